package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"nusd/core/events"
	"nusd/crypto"
	"nusd/services/auditd/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("sqlite:file:%s?mode=memory&cache=shared", uuid.NewString())
	s, err := store.Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testAccount(suffix byte) crypto.Address {
	buf := make([]byte, 20)
	buf[19] = suffix
	return crypto.NewAddress(crypto.AccountPrefix, buf)
}

func depositEvent(seq uint64, account crypto.Address, amount int64) events.StreamEvent {
	evt := events.CollateralDeposited{User: account, Asset: "WETH", Amount: big.NewInt(amount)}
	return events.StreamEvent{
		Sequence:  seq,
		Cursor:    strconv.FormatUint(seq, 10),
		Timestamp: time.Now().Unix(),
		Event:     evt.Event(),
	}
}

func writeEvent(ctx context.Context, t *testing.T, conn *websocket.Conn, entry events.StreamEvent) {
	t.Helper()
	data, err := json.Marshal(entry)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestFollowerIndexesAndResumesFromCursor(t *testing.T) {
	s := openTestStore(t)
	alice := testAccount(0xA1)
	bob := testAccount(0xB0)

	var mu sync.Mutex
	var cursors []string

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		cursors = append(cursors, r.URL.Query().Get("cursor"))
		connection := len(cursors)
		mu.Unlock()

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "fixture done")

		switch connection {
		case 1:
			writeEvent(r.Context(), t, conn, depositEvent(1, alice, 10))
			writeEvent(r.Context(), t, conn, depositEvent(2, alice, 20))
		case 2:
			writeEvent(r.Context(), t, conn, depositEvent(3, bob, 30))
			<-r.Context().Done()
		default:
			<-r.Context().Done()
		}
	})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	follower := New(Config{
		WSURL:      wsURL,
		BackoffMin: 10 * time.Millisecond,
		BackoffMax: 50 * time.Millisecond,
	}, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- follower.Run(ctx) }()

	waitFor(t, 5*time.Second, func() bool {
		cursor, err := s.LoadCursor(context.Background(), StreamName)
		return err == nil && cursor == "3"
	})

	cancel()
	select {
	case err := <-runErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("follower did not stop")
	}

	deposits, err := s.DepositsByAccount(context.Background(), alice.String(), 0)
	require.NoError(t, err)
	require.Len(t, deposits, 2)

	bobDeposits, err := s.DepositsByAccount(context.Background(), bob.String(), 0)
	require.NoError(t, err)
	require.Len(t, bobDeposits, 1)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(cursors), 2)
	require.Equal(t, "", cursors[0])
	require.Equal(t, "2", cursors[1])
}

func TestFollowerDeduplicatesReplayedBacklog(t *testing.T) {
	s := openTestStore(t)
	alice := testAccount(0xA1)
	bob := testAccount(0xB0)

	entry := depositEvent(7, alice, 70)
	marker := depositEvent(8, bob, 80)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "fixture done")
		writeEvent(r.Context(), t, conn, entry)
		writeEvent(r.Context(), t, conn, entry)
		writeEvent(r.Context(), t, conn, marker)
		<-r.Context().Done()
	})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	follower := New(Config{WSURL: wsURL, BackoffMin: 10 * time.Millisecond}, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- follower.Run(ctx) }()

	waitFor(t, 5*time.Second, func() bool {
		cursor, err := s.LoadCursor(context.Background(), StreamName)
		return err == nil && cursor == "8"
	})

	cancel()
	<-runErr

	deposits, err := s.DepositsByAccount(context.Background(), alice.String(), 0)
	require.NoError(t, err)
	require.Len(t, deposits, 1)
	require.Equal(t, "70", deposits[0].Amount)
}
