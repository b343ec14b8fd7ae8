package anchor

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/anchor/internal/platform/blockchain"
	"github.com/ehr/anchor/internal/platform/db"
	"github.com/ehr/anchor/internal/platform/webhook"
	"github.com/ehr/anchor/migrations"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.OpenSQLite(context.Background(), "sqlite::memory:", migrations.SQLiteSchema)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newTestRepo(t *testing.T, clock *fakeClock) *queueRepoSQLite {
	t.Helper()
	repo := NewQueueRepoSQLite(openTestDB(t)).(*queueRepoSQLite)
	repo.now = clock.Now
	return repo
}

// enqueueN adds n rows one second apart so their queue order is fixed.
func enqueueN(t *testing.T, repo QueueRepository, clock *fakeClock, n int) []*AnchorRequest {
	t.Helper()
	rows := make([]*AnchorRequest, n)
	for i := range rows {
		a, err := repo.Enqueue(context.Background(), fmt.Sprintf("record-%d", i), fmt.Sprintf("%064x", i+1))
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		rows[i] = a
		clock.Advance(time.Second)
	}
	return rows
}

// scriptedSubmitter fails the hashes listed in fail and anchors the rest.
type scriptedSubmitter struct {
	mu      sync.Mutex
	fail    map[string]bool
	failAll bool
	calls   []string
	ctxErrs []error
}

func (s *scriptedSubmitter) Submit(ctx context.Context, hash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, hash)
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
	if s.failAll || s.fail[hash] {
		return "", &blockchain.SubmissionError{Op: blockchain.OpSend, Err: fmt.Errorf("rpc unavailable")}
	}
	return "0xtx-" + hash, nil
}

func (s *scriptedSubmitter) Mode() blockchain.Mode { return blockchain.ModeSimulation }

type recordingNotifier struct {
	mu     sync.Mutex
	events []webhook.Payload
	types  []webhook.EventType
}

func (n *recordingNotifier) Notify(_ context.Context, eventType webhook.EventType, payload webhook.Payload) *webhook.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.types = append(n.types, eventType)
	n.events = append(n.events, payload)
	return nil
}

func (n *recordingNotifier) count(eventType webhook.EventType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, t := range n.types {
		if t == eventType {
			c++
		}
	}
	return c
}
