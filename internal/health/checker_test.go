package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/amillerrr/media-pipeline/internal/logger"
)

// Mock S3 client
type mockS3Client struct {
	err    error
	bucket string
}

func (m *mockS3Client) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	m.bucket = *params.Bucket
	if m.err != nil {
		return nil, m.err
	}
	return &s3.HeadBucketOutput{}, nil
}

// Mock SQS client
type mockSQSClient struct {
	err error
}

func (m *mockSQSClient) GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.GetQueueAttributesOutput{}, nil
}

type mockDynamoClient struct {
	err error
}

func (m *mockDynamoClient) DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &dynamodb.DescribeTableOutput{}, nil
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestChecker(probes ...Probe) (*Checker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	c := NewChecker(DefaultConfig("test-service", logger.Discard(), probes...))
	c.now = clock.Now
	return c, clock
}

func TestChecker_Check_Shallow(t *testing.T) {
	checker, _ := newTestChecker(S3Probe(&mockS3Client{err: errors.New("unused")}, "bucket"))

	status := checker.Check(context.Background(), false)

	if status.Status != StatusHealthy {
		t.Errorf("Status = %s, want healthy", status.Status)
	}
	if status.Service != "test-service" {
		t.Errorf("Service = %s, want test-service", status.Service)
	}
	if len(status.Checks) != 0 {
		t.Errorf("Checks should be empty for shallow check, got %d", len(status.Checks))
	}
}

func TestChecker_Check_Deep_AllHealthy(t *testing.T) {
	s3Client := &mockS3Client{}
	checker, _ := newTestChecker(
		S3Probe(s3Client, "media-bucket"),
		SQSProbe(&mockSQSClient{}, "https://sqs.test/queue"),
		DynamoDBProbe(&mockDynamoClient{}, "media"),
		PingProbe("database", fakePinger{}),
		DirProbe("media", t.TempDir()),
	)

	status := checker.Check(context.Background(), true)

	if status.Status != StatusHealthy {
		t.Errorf("Status = %s, want healthy", status.Status)
	}
	if len(status.Checks) != 5 {
		t.Errorf("Checks should have 5 entries, got %d", len(status.Checks))
	}
	for name, check := range status.Checks {
		if check.Status != StatusHealthy {
			t.Errorf("%s status = %s, want healthy", name, check.Status)
		}
	}
	if s3Client.bucket != "media-bucket" {
		t.Errorf("HeadBucket bucket = %q, want media-bucket", s3Client.bucket)
	}
}

func TestChecker_Check_Deep_Degraded(t *testing.T) {
	checker, _ := newTestChecker(
		S3Probe(&mockS3Client{err: errors.New("s3 error")}, "bucket"),
		SQSProbe(&mockSQSClient{}, "https://sqs.test/queue"),
		PingProbe("database", fakePinger{err: errors.New("connection refused")}),
	)

	status := checker.Check(context.Background(), true)

	if status.Status != StatusDegraded {
		t.Errorf("Status = %s, want degraded", status.Status)
	}
	if status.Checks["s3"].Status != StatusUnhealthy {
		t.Errorf("S3 check status = %s, want unhealthy", status.Checks["s3"].Status)
	}
	if status.Checks["s3"].Error != "s3 error" {
		t.Errorf("S3 check error = %s, want 's3 error'", status.Checks["s3"].Error)
	}
	if status.Checks["sqs"].Status != StatusHealthy {
		t.Errorf("SQS check status = %s, want healthy", status.Checks["sqs"].Status)
	}
	if status.Checks["database"].Error != "connection refused" {
		t.Errorf("database error = %q", status.Checks["database"].Error)
	}
}

func TestDirProbe(t *testing.T) {
	dir := t.TempDir()

	if err := DirProbe("media", dir).Check(context.Background()); err != nil {
		t.Errorf("existing dir: %v", err)
	}
	if err := DirProbe("media", filepath.Join(dir, "missing")).Check(context.Background()); err == nil {
		t.Error("missing dir: expected error")
	}
}

func TestChecker_Check_Caching(t *testing.T) {
	checker, clock := newTestChecker()

	status1 := checker.Check(context.Background(), false)
	clock.Advance(time.Second)
	status2 := checker.Check(context.Background(), false)

	if status1.Timestamp != status2.Timestamp {
		t.Error("Cached result should have same timestamp")
	}

	clock.Advance(DefaultCacheTTL)
	status3 := checker.Check(context.Background(), false)
	if status3.Timestamp == status1.Timestamp {
		t.Error("Expired cache should produce a fresh result")
	}
}

func TestChecker_CanPerformDeepCheck(t *testing.T) {
	checker, clock := newTestChecker()

	if !checker.CanPerformDeepCheck() {
		t.Error("CanPerformDeepCheck() = false initially")
	}

	checker.RecordDeepCheck()
	if checker.CanPerformDeepCheck() {
		t.Error("CanPerformDeepCheck() = true immediately after recording")
	}

	clock.Advance(DefaultDeepCheckLimit)
	if !checker.CanPerformDeepCheck() {
		t.Error("CanPerformDeepCheck() = false after limit passed")
	}
}

func TestChecker_Handler(t *testing.T) {
	checker, _ := newTestChecker()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	checker.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("Handler returned %d, want %d", rr.Code, http.StatusOK)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var status Status
	if err := json.NewDecoder(rr.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if status.Status != StatusHealthy {
		t.Errorf("Status = %s, want healthy", status.Status)
	}
}

func TestChecker_DeepHandler_Degraded(t *testing.T) {
	checker, _ := newTestChecker(SQSProbe(&mockSQSClient{err: errors.New("queue gone")}, "https://sqs.test/queue"))

	rr := httptest.NewRecorder()
	checker.DeepHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health/deep", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("DeepHandler returned %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}

	var status Status
	if err := json.NewDecoder(rr.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if status.Checks["sqs"].Error != "queue gone" {
		t.Errorf("sqs error = %q", status.Checks["sqs"].Error)
	}

	// The cached deep result is served to shallow checks until it expires.
	rr = httptest.NewRecorder()
	checker.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("Handler returned %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}
}

func TestChecker_DeepHandler_RateLimited(t *testing.T) {
	checker, clock := newTestChecker(S3Probe(&mockS3Client{}, "bucket"))

	first := httptest.NewRecorder()
	checker.DeepHandler().ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/health/deep", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first deep check = %d, want 200", first.Code)
	}

	clock.Advance(time.Second)
	rr := httptest.NewRecorder()
	checker.DeepHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health/deep", nil))

	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("Handler returned %d, want %d", rr.Code, http.StatusTooManyRequests)
	}
	if rr.Header().Get("Retry-After") != "10" {
		t.Errorf("Retry-After = %s, want 10", rr.Header().Get("Retry-After"))
	}

	var status Status
	if err := json.NewDecoder(rr.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if _, ok := status.Checks["rate_limited"]; !ok {
		t.Error("rate limited response should carry a rate_limited entry")
	}
	if _, ok := status.Checks["s3"]; !ok {
		t.Error("rate limited response should include the cached s3 result")
	}

	// The cached status itself must not pick up the rate_limited entry.
	cached := checker.Check(context.Background(), false)
	if _, ok := cached.Checks["rate_limited"]; ok {
		t.Error("cached status was mutated by the rate limited response")
	}
}
