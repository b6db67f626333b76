package cttso_pieriandx_gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

func NotifyViaSlack(ctx context.Context, body, slackURL string) error {
	slackCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(slackCtx, http.MethodPost, slackURL, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Slack webhook returned %d", resp.StatusCode)
	}
	return nil
}

// notifyHalt posts the halting sample to Slack. Without a webhook it is a no-op.
func notifyHalt(ctx context.Context, slackURL string, report *BatchReport) error {
	if slackURL == "" || report.Halt == nil {
		return nil
	}
	text := fmt.Sprintf(":rotating_light: ctTSO pass %s halted at %s (%s): %s",
		report.PassID, report.Halt.Key, report.Halt.ErrorKind, report.Halt.Error)
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	return NotifyViaSlack(ctx, string(body), slackURL)
}
