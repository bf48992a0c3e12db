// Package health reports liveness and dependency health for the API and worker.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"golang.org/x/sync/errgroup"
)

// Configuration constants
const (
	DefaultCacheTTL       = 10 * time.Second
	DefaultCheckTimeout   = 5 * time.Second
	DefaultDeepCheckLimit = 10 * time.Second
)

// Health states
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Status represents the health check response.
type Status struct {
	Status    string                    `json:"status"`
	Service   string                    `json:"service"`
	Timestamp string                    `json:"timestamp"`
	Checks    map[string]ComponentCheck `json:"checks,omitempty"`
}

// ComponentCheck represents the health of a single component.
type ComponentCheck struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Probe checks one dependency.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// S3Client defines the S3 operations needed for health checks.
type S3Client interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// SQSClient defines the SQS operations needed for health checks.
type SQSClient interface {
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// DynamoDBClient defines the DynamoDB operations needed for health checks.
type DynamoDBClient interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Pinger is satisfied by the SQL record store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// S3Probe checks that the media bucket is reachable.
func S3Probe(client S3Client, bucket string) Probe {
	return Probe{Name: "s3", Check: func(ctx context.Context) error {
		_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
		return err
	}}
}

// SQSProbe checks that the job queue is reachable.
func SQSProbe(client SQSClient, queueURL string) Probe {
	return Probe{Name: "sqs", Check: func(ctx context.Context) error {
		_, err := client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
			QueueUrl: aws.String(queueURL),
			AttributeNames: []types.QueueAttributeName{
				types.QueueAttributeNameApproximateNumberOfMessages,
			},
		})
		return err
	}}
}

// DynamoDBProbe checks that the record table exists.
func DynamoDBProbe(client DynamoDBClient, table string) Probe {
	return Probe{Name: "dynamodb", Check: func(ctx context.Context) error {
		_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)})
		return err
	}}
}

// PingProbe checks a database connection.
func PingProbe(name string, p Pinger) Probe {
	return Probe{Name: name, Check: p.Ping}
}

// DirProbe checks that a local directory exists.
func DirProbe(name, dir string) Probe {
	return Probe{Name: name, Check: func(ctx context.Context) error {
		info, err := os.Stat(dir)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", dir)
		}
		return nil
	}}
}

// Config holds health checker configuration.
type Config struct {
	ServiceName    string
	Probes         []Probe
	Logger         *slog.Logger
	CacheTTL       time.Duration
	CheckTimeout   time.Duration
	DeepCheckLimit time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig(serviceName string, logger *slog.Logger, probes ...Probe) *Config {
	return &Config{
		ServiceName:    serviceName,
		Probes:         probes,
		Logger:         logger,
		CacheTTL:       DefaultCacheTTL,
		CheckTimeout:   DefaultCheckTimeout,
		DeepCheckLimit: DefaultDeepCheckLimit,
	}
}

// Checker provides health check functionality.
type Checker struct {
	config *Config
	now    func() time.Time

	mu            sync.RWMutex
	lastCheck     time.Time
	lastStatus    *Status
	lastDeepCheck time.Time
}

// NewChecker creates a new health checker with the given configuration.
func NewChecker(config *Config) *Checker {
	return &Checker{
		config: config,
		now:    time.Now,
	}
}

// Check reports service health. Dependencies are only probed when deep is
// true; otherwise a cached result may be returned. The returned Status must
// not be modified.
func (c *Checker) Check(ctx context.Context, deep bool) *Status {
	if !deep {
		c.mu.RLock()
		if c.lastStatus != nil && c.now().Sub(c.lastCheck) < c.config.CacheTTL {
			status := c.lastStatus
			c.mu.RUnlock()
			return status
		}
		c.mu.RUnlock()
	}

	status := &Status{
		Status:    StatusHealthy,
		Service:   c.config.ServiceName,
		Timestamp: c.now().UTC().Format(time.RFC3339),
		Checks:    make(map[string]ComponentCheck),
	}

	if deep {
		results := make([]ComponentCheck, len(c.config.Probes))
		var g errgroup.Group
		for i, p := range c.config.Probes {
			g.Go(func() error {
				results[i] = c.run(ctx, p)
				return nil
			})
		}
		_ = g.Wait()

		for i, p := range c.config.Probes {
			status.Checks[p.Name] = results[i]
			if results[i].Status != StatusHealthy {
				status.Status = StatusDegraded
			}
		}
	}

	c.mu.Lock()
	c.lastCheck = c.now()
	c.lastStatus = status
	c.mu.Unlock()

	return status
}

// CanPerformDeepCheck returns true if enough time has passed since the last deep check.
func (c *Checker) CanPerformDeepCheck() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now().Sub(c.lastDeepCheck) >= c.config.DeepCheckLimit
}

// RecordDeepCheck records the time of a deep health check.
func (c *Checker) RecordDeepCheck() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastDeepCheck = c.now()
}

func (c *Checker) run(ctx context.Context, p Probe) ComponentCheck {
	start := c.now()
	ctx, cancel := context.WithTimeout(ctx, c.config.CheckTimeout)
	defer cancel()

	err := p.Check(ctx)
	latency := c.now().Sub(start)

	if err != nil {
		if c.config.Logger != nil {
			c.config.Logger.WarnContext(ctx, "Health probe failed", "component", p.Name, "error", err)
		}
		return ComponentCheck{
			Status:  StatusUnhealthy,
			Latency: latency.String(),
			Error:   err.Error(),
		}
	}

	return ComponentCheck{
		Status:  StatusHealthy,
		Latency: latency.String(),
	}
}

// Handler returns an HTTP handler for basic health checks.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := c.Check(r.Context(), false)
		c.writeResponse(w, status, statusCode(status))
	}
}

// DeepHandler returns an HTTP handler for deep health checks.
func (c *Checker) DeepHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !c.CanPerformDeepCheck() {
			cached := c.Check(r.Context(), false)
			status := *cached
			status.Checks = maps.Clone(cached.Checks)
			if status.Checks == nil {
				status.Checks = make(map[string]ComponentCheck)
			}
			status.Checks["rate_limited"] = ComponentCheck{
				Status: "info",
				Error:  "Deep health check rate limited, returning cached result",
			}

			w.Header().Set("Retry-After", "10")
			c.writeResponse(w, &status, http.StatusTooManyRequests)
			return
		}

		c.RecordDeepCheck()
		status := c.Check(r.Context(), true)
		c.writeResponse(w, status, statusCode(status))
	}
}

func statusCode(status *Status) int {
	if status.Status != StatusHealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func (c *Checker) writeResponse(w http.ResponseWriter, status *Status, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(status); err != nil && c.config.Logger != nil {
		c.config.Logger.Error("Failed to encode health check response", "error", err)
	}
}
