package storage_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/dte_backend/config"
	"github.com/mmdatafocus/dte_backend/models"
	"github.com/mmdatafocus/dte_backend/storage"
)

func setupGormStore(t *testing.T) (*storage.GormStore, context.Context) {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "dte_test")

	db := config.ConnectDatabaseWithRetry()
	models.MigrateTable(db)
	rdb, _ := config.ConnectRedis()
	if rdb == nil {
		t.Fatalf("redis did not connect; the range cache paths need it")
	}
	return storage.NewGormStore(db, rdb, config.NewLogger()), context.Background()
}

func TestGormStore_UpdateRangeInvalidatesOldCacheKey(t *testing.T) {
	store, ctx := setupGormStore(t)

	r := models.NumericRange{
		DocumentType: models.DocumentTypeReceipt,
		Environment:  models.EnvironmentCertification,
		Start:        100,
		End:          150,
	}
	id, err := store.InsertRange(ctx, &r)
	if err != nil {
		t.Fatalf("InsertRange: %v", err)
	}

	// warm both cached lists so a stale entry on either side would be visible
	if _, err := store.ListRangesByType(ctx, models.DocumentTypeReceipt, models.EnvironmentCertification); err != nil {
		t.Fatalf("ListRangesByType receipt: %v", err)
	}
	if _, err := store.ListRangesByType(ctx, models.DocumentTypeInvoice, models.EnvironmentCertification); err != nil {
		t.Fatalf("ListRangesByType invoice: %v", err)
	}

	moved := r
	moved.ID = id
	moved.DocumentType = models.DocumentTypeInvoice
	if ok, err := store.UpdateRange(ctx, &moved); err != nil || !ok {
		t.Fatalf("UpdateRange: ok=%v err=%v", ok, err)
	}

	// the old pair's list must no longer serve the moved range
	old, err := store.ListRangesByType(ctx, models.DocumentTypeReceipt, models.EnvironmentCertification)
	if err != nil {
		t.Fatalf("ListRangesByType after move: %v", err)
	}
	for _, got := range old {
		if got.ID == id {
			t.Fatalf("moved range still served under its old document type: %+v", got)
		}
	}

	now, err := store.ListRangesByType(ctx, models.DocumentTypeInvoice, models.EnvironmentCertification)
	if err != nil {
		t.Fatalf("ListRangesByType new type: %v", err)
	}
	found := false
	for _, got := range now {
		if got.ID == id && got.Start == 100 && got.End == 150 {
			found = true
		}
	}
	if !found {
		t.Fatalf("moved range missing under its new document type: %+v", now)
	}
}

func TestGormStore_PendingTrackIdsSurvivesLongLineage(t *testing.T) {
	store, ctx := setupGormStore(t)
	env := models.EnvironmentCertification

	// one submission retried many times before the authority accepted it; the
	// per-lineage row set is far larger than any concat buffer
	closedId := "t-" + strings.Repeat("a", 40)
	for i := 0; i < 200; i++ {
		entry := models.LedgerEntry{TrackId: closedId, Status: models.LedgerStatusSent, Environment: env}
		if _, err := store.AppendLedgerEntry(ctx, &entry); err != nil {
			t.Fatalf("AppendLedgerEntry sent %d: %v", i, err)
		}
	}
	accepted := models.LedgerEntry{TrackId: closedId, Status: models.LedgerStatusAccepted, Environment: env}
	if _, err := store.AppendLedgerEntry(ctx, &accepted); err != nil {
		t.Fatalf("AppendLedgerEntry accepted: %v", err)
	}

	openId := "t-" + strings.Repeat("b", 40)
	open := models.LedgerEntry{TrackId: openId, Status: models.LedgerStatusSent, Environment: env}
	if _, err := store.AppendLedgerEntry(ctx, &open); err != nil {
		t.Fatalf("AppendLedgerEntry open: %v", err)
	}

	pending, err := store.PendingTrackIds(ctx, 10, env)
	if err != nil {
		t.Fatalf("PendingTrackIds: %v", err)
	}
	if len(pending) != 1 || pending[0] != openId {
		t.Fatalf("expected only the in-flight submission, got %v", pending)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("dte-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("dte-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=dte_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
