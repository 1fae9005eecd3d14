package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"aegis-correlate/internal/correlation"
	"aegis-correlate/internal/store"
)

// ExportConfig holds S3 export configuration.
type ExportConfig struct {
	Region string `json:"region" yaml:"region"`
	Bucket string `json:"bucket" yaml:"bucket"`
	Prefix string `json:"prefix" yaml:"prefix"`

	// Endpoint is an optional custom endpoint for S3-compatible storage.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// Static credentials; IAM is used when unset.
	AccessKeyID     string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"`
	SessionToken    string `json:"session_token,omitempty" yaml:"session_token,omitempty"`

	StorageClass     string        `json:"storage_class" yaml:"storage_class"`
	UsePathStyle     bool          `json:"use_path_style" yaml:"use_path_style"`
	RetryMaxAttempts int           `json:"retry_max_attempts" yaml:"retry_max_attempts"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultExportConfig returns an ExportConfig with sensible defaults.
func DefaultExportConfig() *ExportConfig {
	return &ExportConfig{
		Region:           "us-east-1",
		Bucket:           "aegis-incident-reports",
		Prefix:           "confirmed/",
		StorageClass:     "STANDARD_IA",
		RetryMaxAttempts: 3,
		Timeout:          30 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c *ExportConfig) Validate() error {
	if c.Region == "" {
		return errors.New("export: region is required")
	}
	if c.Bucket == "" {
		return errors.New("export: bucket is required")
	}
	return nil
}

func (c *ExportConfig) storageClass() types.StorageClass {
	switch strings.ToUpper(c.StorageClass) {
	case "STANDARD":
		return types.StorageClassStandard
	case "STANDARD_IA":
		return types.StorageClassStandardIa
	case "ONEZONE_IA":
		return types.StorageClassOnezoneIa
	case "INTELLIGENT_TIERING":
		return types.StorageClassIntelligentTiering
	case "GLACIER":
		return types.StorageClassGlacier
	case "DEEP_ARCHIVE":
		return types.StorageClassDeepArchive
	default:
		return types.StorageClassStandard
	}
}

// Exporter uploads a JSON incident report to S3 whenever an incident first
// reaches CONFIRMED. Export is best effort and never blocks correlation.
type Exporter struct {
	client *s3.Client
	store  store.IncidentStore
	config *ExportConfig
	logger *slog.Logger

	exported atomic.Int64
	failed   atomic.Int64
}

// incidentReport is the exported document shape.
type incidentReport struct {
	Incident   store.Incident   `json:"incident"`
	Evidence   []store.Evidence `json:"evidence"`
	ExportedAt time.Time        `json:"exported_at"`
}

// NewExporter creates an S3 exporter.
func NewExporter(ctx context.Context, cfg *ExportConfig, st store.IncidentStore, logger *slog.Logger) (*Exporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			cfg.SessionToken,
		)
		opts = append(opts, awsconfig.WithCredentialsProvider(creds))
	}
	if cfg.RetryMaxAttempts > 0 {
		opts = append(opts, awsconfig.WithRetryMaxAttempts(cfg.RetryMaxAttempts))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("export: failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	logger.Info("incident exporter initialized",
		"bucket", cfg.Bucket,
		"region", cfg.Region,
		"storage_class", cfg.StorageClass,
	)

	return &Exporter{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		store:  st,
		config: cfg,
		logger: logger,
	}, nil
}

// Handler returns a correlation.SnapshotHandler exporting incidents on
// their transition into CONFIRMED.
func (e *Exporter) Handler() correlation.SnapshotHandler {
	return func(ctx context.Context, snap *correlation.Snapshot) error {
		if !snap.StageChanged || snap.Incident.Stage != store.StageConfirmed {
			return nil
		}
		return e.Export(ctx, snap.Incident)
	}
}

// Export uploads the full incident report, including its evidence ledger.
func (e *Exporter) Export(ctx context.Context, inc store.Incident) error {
	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	evidence, err := e.store.ListEvidence(ctx, inc.ID)
	if err != nil {
		e.failed.Add(1)
		return fmt.Errorf("export: list evidence for %s: %w", inc.ID, err)
	}

	report := incidentReport{
		Incident:   inc,
		Evidence:   evidence,
		ExportedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		e.failed.Add(1)
		return fmt.Errorf("export: marshal report: %w", err)
	}

	key := fmt.Sprintf("%s%s/%s.json",
		e.config.Prefix,
		inc.LastUpdatedAt.UTC().Format("2006/01/02"),
		inc.ID,
	)

	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(e.config.Bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String("application/json"),
		StorageClass: e.config.storageClass(),
	})
	if err != nil {
		e.failed.Add(1)
		return fmt.Errorf("export: put object %s: %w", key, err)
	}

	e.exported.Add(1)
	e.logger.Info("confirmed incident exported",
		"incident_id", inc.ID,
		"key", key,
		"size", len(data),
	)
	return nil
}

// Metrics returns exporter counters.
func (e *Exporter) Metrics() map[string]int64 {
	return map[string]int64{
		"exported": e.exported.Load(),
		"failed":   e.failed.Load(),
	}
}
