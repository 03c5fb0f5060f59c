package ui

import (
	"context"
	"fmt"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"strconv"
	"strings"
	"time"

	"github.com/mineroot/p2pshare/pkg/event"
	"github.com/mineroot/p2pshare/pkg/peer"
	"github.com/mineroot/p2pshare/pkg/registry"
	"github.com/mineroot/p2pshare/pkg/storage"
	"github.com/mineroot/p2pshare/utils"
)

const progressBarMaxWidth = 20

// Swarm lists the sessions of the local peer.
type Swarm interface {
	Sessions() []*peer.Session
	Completions() []registry.Completion
}

// CreateApp builds the dashboard. Its refresh loop ends with ctx.
func CreateApp(
	ctx context.Context,
	localID peer.ID,
	s storage.Reader,
	swarm Swarm,
	progressSpeedCh <-chan *event.ProgressSpeed,
	progressChunks <-chan *event.ProgressChunkDownloaded,
) *tview.Application {
	app := tview.NewApplication()
	fileTable := tview.NewTable().
		SetBorders(true)
	setHeaders(fileTable, "Peer", "Name", "Size", "Pieces (total)", "Pieces (downloaded)", "Download speed", "Progress")
	fileTable.SetCell(1, 0, tview.NewTableCell(localID.String()))
	fileTable.SetCell(1, 1, tview.NewTableCell(s.Name()))
	fileTable.SetCell(1, 2, tview.NewTableCell(utils.FormatBytes(uint64(s.Size()))))
	fileTable.SetCell(1, 3, tview.NewTableCell(strconv.Itoa(s.ChunksCount())))
	fileTable.SetCell(1, 4, tview.NewTableCell("0"))
	fileTable.SetCell(1, 5, tview.NewTableCell("0 B/s"))
	fileTable.SetCell(1, 6, tview.NewTableCell(progressBar(0, s.ChunksCount())))

	sessionsTable := tview.NewTable().
		SetBorders(true)
	setHeaders(sessionsTable, "Remote peer", "Address", "Direction", "Remote pieces", "Remote complete")

	go func() {
		for progressSpeed := range progressSpeedCh {
			speed := fmt.Sprintf("%s/s", utils.FormatBytes(uint(progressSpeed.Speed)))
			app.QueueUpdate(func() {
				fileTable.GetCell(1, 5).SetText(speed)
			})
		}
	}()
	go func() {
		for progressChunk := range progressChunks {
			downloaded := progressChunk.DownloadedCount
			app.QueueUpdate(func() {
				fileTable.GetCell(1, 4).SetText(strconv.Itoa(downloaded))
				fileTable.GetCell(1, 6).SetText(progressBar(downloaded, s.ChunksCount()))
			})
		}
	}()
	go refreshSessions(ctx, app, sessionsTable, swarm, time.Second)

	fileTable.Select(0, 0).SetFixed(1, 1)
	sessionsTable.Select(0, 0).SetFixed(1, 1).SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter {
			sessionsTable.SetSelectable(true, false)
		}
	}).SetSelectedFunc(func(row int, column int) {
		sessionsTable.GetCell(row, column).SetTextColor(tcell.ColorRed)
		sessionsTable.SetSelectable(false, false)
	})
	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(fileTable, 5, 0, false).
		AddItem(sessionsTable, 0, 1, true)
	return app.SetRoot(layout, true).SetFocus(sessionsTable)
}

func setHeaders(table *tview.Table, headers ...string) {
	for col := 0; col < len(headers); col++ {
		table.SetCell(0, col, tview.NewTableCell(headers[col]).SetTextColor(tcell.ColorYellow))
	}
}

func refreshSessions(ctx context.Context, app *tview.Application, table *tview.Table, swarm Swarm, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		sessions := swarm.Sessions()
		completions := swarm.Completions()
		app.QueueUpdate(func() {
			fillSessions(table, sessions, completions)
		})
		app.Draw()
	}
}

func fillSessions(table *tview.Table, sessions []*peer.Session, completions []registry.Completion) {
	complete := make(map[peer.ID]bool, len(completions))
	for _, c := range completions {
		complete[c.RemoteID] = c.IsComplete
	}
	for i, s := range sessions {
		row := i + 1
		direction := "inbound"
		if s.Outbound {
			direction = "outbound"
		}
		availability := s.Availability()
		table.SetCell(row, 0, tview.NewTableCell(s.RemoteID.String()))
		table.SetCell(row, 1, tview.NewTableCell(s.Conn.RemoteAddr().String()))
		table.SetCell(row, 2, tview.NewTableCell(direction))
		table.SetCell(row, 3, tview.NewTableCell(fmt.Sprintf("%d/%d", availability.DownloadedChunksCount(), availability.ChunksCount())))
		table.SetCell(row, 4, tview.NewTableCell(strconv.FormatBool(complete[s.RemoteID])))
	}
}

func progressBar(current, total int) string {
	width := 0
	if total > 0 {
		width = progressBarMaxWidth * current / total
	}
	return fmt.Sprintf("%s%s", strings.Repeat("■", width), strings.Repeat("□", progressBarMaxWidth-width))
}
