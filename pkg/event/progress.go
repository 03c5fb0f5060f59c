package event

import "github.com/mineroot/p2pshare/pkg/peer"

type ProgressChunkDownloaded struct {
	From            peer.ID
	DownloadedCount int
}

func NewProgressChunkDownloaded(from peer.ID, count int) *ProgressChunkDownloaded {
	return &ProgressChunkDownloaded{
		From:            from,
		DownloadedCount: count,
	}
}

type ProgressConnRead struct {
	From  peer.ID
	Bytes int
}

func NewProgressConnRead(from peer.ID, bytesRead int) *ProgressConnRead {
	return &ProgressConnRead{
		From:  from,
		Bytes: bytesRead,
	}
}

type ProgressSpeed struct {
	Speed int
}

func NewProgressSpeed(speed int) *ProgressSpeed {
	return &ProgressSpeed{
		Speed: speed,
	}
}
