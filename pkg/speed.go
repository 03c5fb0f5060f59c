package pkg

import (
	"context"
	"time"

	"github.com/mineroot/p2pshare/pkg/event"
)

const twentySeconds = 20

func (c *Client) calculateDownloadSpeed(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer func() {
		ticker.Stop()
		close(c.progressSpeed)
	}()
	bytesRead := 0
	var bytesForTwentySeconds [twentySeconds]int

	for {
		select {
		case <-ctx.Done():
			return
		case connRead := <-c.progressConnReads:
			bytesRead += connRead.Bytes
		case <-ticker.C:
			bytesForTwentySeconds = shiftAndAddValue(bytesForTwentySeconds, bytesRead)
			avgSpeed := calculateAverageSpeed(bytesForTwentySeconds)
			select {
			case c.progressSpeed <- event.NewProgressSpeed(avgSpeed):
			default:
			}
			bytesRead = 0
		}
	}
}

// shiftAndAddValue shifts the array to the left and adds the current value at the end
func shiftAndAddValue(arr [twentySeconds]int, value int) [twentySeconds]int {
	tmp := append(arr[1:], value)
	copy(arr[:], tmp)
	return arr
}

// calculateAverageSpeed calculates the average speed for the last twenty seconds
func calculateAverageSpeed(arr [twentySeconds]int) int {
	total := 0
	for _, b := range arr {
		total += b
	}
	return total / twentySeconds
}
