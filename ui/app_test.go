package ui

import (
	"context"
	"github.com/rivo/tview"
	"github.com/stretchr/testify/assert"
	"net"
	"testing"
	"time"

	"github.com/mineroot/p2pshare/pkg/bitfield"
	"github.com/mineroot/p2pshare/pkg/peer"
	"github.com/mineroot/p2pshare/pkg/registry"
)

func TestProgressBar(t *testing.T) {
	tests := map[string]struct {
		current, total int
		expected       string
	}{
		"empty":    {0, 133, "□□□□□□□□□□□□□□□□□□□□"},
		"half":     {10, 20, "■■■■■■■■■■□□□□□□□□□□"},
		"complete": {133, 133, "■■■■■■■■■■■■■■■■■■■■"},
		"no total": {0, 0, "□□□□□□□□□□□□□□□□□□□□"},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.expected, progressBar(test.current, test.total))
		})
	}
}

func TestFillSessions(t *testing.T) {
	conn1, other1 := net.Pipe()
	defer other1.Close()
	conn2, other2 := net.Pipe()
	defer other2.Close()
	s1 := peer.NewSession(1001, 1002, conn1, true, bitfield.Full(9))
	s2 := peer.NewSession(1001, 1003, conn2, false, bitfield.New(9))
	table := tview.NewTable()

	fillSessions(table, []*peer.Session{s1, s2}, []registry.Completion{
		{RemoteID: 1002, IsComplete: true},
		{RemoteID: 1003},
	})
	assert.Equal(t, "1002", table.GetCell(1, 0).Text)
	assert.Equal(t, "outbound", table.GetCell(1, 2).Text)
	assert.Equal(t, "9/9", table.GetCell(1, 3).Text)
	assert.Equal(t, "true", table.GetCell(1, 4).Text)
	assert.Equal(t, "1003", table.GetCell(2, 0).Text)
	assert.Equal(t, "inbound", table.GetCell(2, 2).Text)
	assert.Equal(t, "0/9", table.GetCell(2, 3).Text)
	assert.Equal(t, "false", table.GetCell(2, 4).Text)
}

type emptySwarm struct{}

func (emptySwarm) Sessions() []*peer.Session { return nil }

func (emptySwarm) Completions() []registry.Completion { return nil }

func TestRefreshSessions_stopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		refreshSessions(ctx, tview.NewApplication(), tview.NewTable(), emptySwarm{}, 10*time.Millisecond)
	}()
	time.Sleep(35 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("refresh loop kept running after cancel")
	}
}
