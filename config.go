package cttso_pieriandx_gateway

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// CLIConfig is bound from the docopt usage in cmd/cli.
type CLIConfig struct {
	Reconcile  bool   `docopt:"reconcile"`
	Submit     bool   `docopt:"submit"`
	Status     bool   `docopt:"status"`
	Reports    bool   `docopt:"reports"`
	Serve      bool   `docopt:"serve"`
	Listen     bool   `docopt:"listen"`
	CSVPath    string `docopt:"--csv"`
	JSONPath   string `docopt:"--json"`
	RunIDs     string `docopt:"--runids"`
	CaseIDs    string `docopt:"--caseids"`
	Accessions string `docopt:"--accessions"`
	OutDir     string `docopt:"--out"`
	Format     string `docopt:"--format"`
	DryRun     bool   `docopt:"--dryrun"`
	Verbose    bool   `docopt:"--verbose"`
	Help       bool   `docopt:"--help"`
}

type LedgerConfig struct {
	Driver string `envconfig:"CTTSO_LEDGER_DRIVER"`
	DSN    string `envconfig:"CTTSO_LEDGER_DSN"`
}

type DatabricksConfig struct {
	Hostname   string `envconfig:"CTTSO_DATABRICKS_HOST"`
	Port       int    `envconfig:"CTTSO_DATABRICKS_PORT" default:"443"`
	HTTPPath   string `envconfig:"CTTSO_DATABRICKS_HTTP_PATH"`
	Token      string `envconfig:"CTTSO_DATABRICKS_TOKEN"`
	Schema     string `envconfig:"CTTSO_DATABRICKS_SCHEMA"`
	ReportPath string `envconfig:"CTTSO_DATABRICKS_REPORT_PATH"`
}

type PierianDxConfig struct {
	BaseURL         string        `envconfig:"CTTSO_PIERIANDX_BASE_URL"`
	Institution     string        `envconfig:"CTTSO_PIERIANDX_INSTITUTION"`
	Email           string        `envconfig:"CTTSO_PIERIANDX_USER_EMAIL"`
	Password        string        `envconfig:"CTTSO_PIERIANDX_USER_PASSWORD"`
	AuthToken       string        `envconfig:"CTTSO_PIERIANDX_USER_AUTH_TOKEN"`
	TokenRefresh    time.Duration `envconfig:"CTTSO_PIERIANDX_TOKEN_REFRESH" default:"45m"`
	Timeout         time.Duration `envconfig:"CTTSO_PIERIANDX_TIMEOUT" default:"60s"`
	MaxRetries      uint64        `envconfig:"CTTSO_PIERIANDX_MAX_RETRIES" default:"4"`
	SubmissionDelay time.Duration `envconfig:"CTTSO_PIERIANDX_SUBMISSION_DELAY" default:"30s"`
}

type S3Config struct {
	Region       string `envconfig:"CTTSO_S3_REGION"`
	Bucket       string `envconfig:"CTTSO_S3_BUCKET"`
	Prefix       string `envconfig:"CTTSO_S3_PREFIX"`
	ReportPrefix string `envconfig:"CTTSO_S3_REPORT_PREFIX"`
	Endpoint     string `envconfig:"CTTSO_S3_ENDPOINT"`
	PathStyle    bool   `envconfig:"CTTSO_S3_PATH_STYLE"`
	Profile      string `envconfig:"CTTSO_S3_PROFILE"`
}

// EnvironmentProfile is every endpoint and credential for one deployment,
// chosen once at startup.
type EnvironmentProfile struct {
	Name string `envconfig:"CTTSO_ENV" default:"dev"`
	ICA  struct {
		BaseURL     string `envconfig:"CTTSO_ICA_BASE_URL"`
		AccessToken string `envconfig:"CTTSO_ICA_ACCESS_TOKEN"`
	}
	Portal struct {
		BaseURL string `envconfig:"CTTSO_PORTAL_BASE_URL"`
		Region  string `envconfig:"CTTSO_PORTAL_REGION"`
	}
	RedCap struct {
		URL   string `envconfig:"CTTSO_REDCAP_URL"`
		Token string `envconfig:"CTTSO_REDCAP_TOKEN"`
	}
	LabSheet struct {
		Bucket string `envconfig:"CTTSO_LAB_SHEET_BUCKET"`
		Key    string `envconfig:"CTTSO_LAB_SHEET_KEY"`
	}
	PierianDx  PierianDxConfig
	S3         S3Config
	Ledger     LedgerConfig
	Databricks DatabricksConfig
	Nats       struct {
		URL      string `envconfig:"CTTSO_NATS_URL"`
		Cert     string `envconfig:"CTTSO_NATS_CERT"`
		Key      string `envconfig:"CTTSO_NATS_KEY"`
		Consumer string `envconfig:"CTTSO_NATS_CONSUMER"`
		Password string `envconfig:"CTTSO_NATS_PASSWORD"`
		Subject  string `envconfig:"CTTSO_NATS_SUBJECT"`
		Filter   string `envconfig:"CTTSO_NATS_WORKFLOW_FILTER"`
	}
	Otel struct {
		Host        string `envconfig:"CTTSO_OTEL_HOST"`
		Port        int    `envconfig:"CTTSO_OTEL_PORT" default:"4317"`
		ServiceName string `envconfig:"CTTSO_OTEL_SERVICE_NAME" default:"cttso-pieriandx-gateway"`
	}
	SlackURL              string        `envconfig:"CTTSO_SLACK_URL"`
	ServerAddr            string        `envconfig:"CTTSO_SERVER_ADDR" default:":8080"`
	SyncInterval          time.Duration `envconfig:"CTTSO_SYNC_INTERVAL" default:"1h"`
	MaxSubmissionsPerPass int           `envconfig:"CTTSO_MAX_SUBMISSIONS_PER_PASS" default:"3"`
	LocalTimezone         string        `envconfig:"CTTSO_LOCAL_TIMEZONE"`
}

type profileDefaults struct {
	icaBaseURL       string
	portalBaseURL    string
	pierianDxBaseURL string
	region           string
}

var knownProfiles = map[string]profileDefaults{
	"dev": {
		icaBaseURL:       "https://aps2.platform.illumina.com",
		portalBaseURL:    "https://api.data.dev.umccr.org",
		pierianDxBaseURL: "https://app.uat.pieriandx.com/cgw-api/v2.0.0",
		region:           "ap-southeast-2",
	},
	"prod": {
		icaBaseURL:       "https://aps2.platform.illumina.com",
		portalBaseURL:    "https://api.data.prod.umccr.org",
		pierianDxBaseURL: "https://app.pieriandx.com/cgw-api/v2.0.0",
		region:           "ap-southeast-2",
	},
}

// LoadEnvironmentProfile reads CTTSO_* variables and fills gaps from the
// named profile's defaults.
func LoadEnvironmentProfile() (EnvironmentProfile, error) {
	var p EnvironmentProfile
	if err := envconfig.Process("", &p); err != nil {
		return p, fmt.Errorf("Failed to read environment: %w", err)
	}
	if err := p.applyDefaults(); err != nil {
		return p, err
	}
	return p, nil
}

func (p *EnvironmentProfile) applyDefaults() error {
	d, ok := knownProfiles[p.Name]
	if !ok {
		return fmt.Errorf("Unknown environment profile %q", p.Name)
	}
	setDefault(&p.ICA.BaseURL, d.icaBaseURL)
	setDefault(&p.Portal.BaseURL, d.portalBaseURL)
	setDefault(&p.Portal.Region, d.region)
	setDefault(&p.PierianDx.BaseURL, d.pierianDxBaseURL)
	setDefault(&p.S3.Region, d.region)
	return nil
}

// Location returns the zone used for timestamps without an offset. Nil
// means such timestamps are rejected.
func (p EnvironmentProfile) Location() (*time.Location, error) {
	if p.LocalTimezone == "" {
		return nil, nil
	}
	loc, err := time.LoadLocation(p.LocalTimezone)
	if err != nil {
		return nil, fmt.Errorf("Failed to load timezone %q: %w", p.LocalTimezone, err)
	}
	return loc, nil
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

// TestProfile is used by the package tests.
var TestProfile = EnvironmentProfile{
	Name:                  "dev",
	MaxSubmissionsPerPass: 3,
	PierianDx: PierianDxConfig{
		Institution:     "melbourne",
		Email:           "services@example.org",
		Password:        "secret",
		Timeout:         5 * time.Second,
		MaxRetries:      2,
		SubmissionDelay: time.Millisecond,
	},
	S3: S3Config{
		Region: "ap-southeast-2",
		Bucket: "pdx-cgwxfer-test",
		Prefix: "melbourne",
	},
}
