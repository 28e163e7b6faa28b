package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/canvas-engine/internal/crdt"
	"github.com/example/canvas-engine/internal/types"
	"github.com/example/canvas-engine/internal/ws"
)

const broadcasterID = "client-0"

type latencySample struct {
	dur time.Duration
}

func main() {
	addr := flag.String("addr", "ws://localhost:8080", "server base address")
	canvasID := flag.String("canvas", "", "canvas id every client joins")
	token := flag.String("token", "", "bearer token of the canvas owner")
	clients := flag.Int("clients", 200, "number of concurrent websocket clients")
	messages := flag.Int("messages", 20, "number of updates to send")
	interval := flag.Duration("interval", 200*time.Millisecond, "delay between updates")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := log.With().Str("canvas", *canvasID).Logger()
	if *canvasID == "" || *token == "" {
		logger.Fatal().Msg("-canvas and -token are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	base, err := url.Parse(strings.TrimSuffix(*addr, "/") + "/v1/canvases/" + url.PathEscape(*canvasID) + "/collab")
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid websocket address")
	}

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	latencyCh := make(chan latencySample, *clients**messages)
	var wg sync.WaitGroup

	for i := range *clients {
		wg.Go(func() {
			clientID := fmt.Sprintf("client-%d", i)
			u := *base
			q := u.Query()
			q.Set("clientId", clientID)
			q.Set("access_token", *token)
			u.RawQuery = q.Encode()

			conn, _, err := dialer.DialContext(ctx, u.String(), nil)
			if err != nil {
				logger.Error().Err(err).Str("client", clientID).Msg("dial failed")
				return
			}
			defer conn.Close()
			go func() {
				<-ctx.Done()
				_ = conn.Close()
			}()

			var hello ws.Frame
			if err := conn.ReadJSON(&hello); err != nil || hello.Type != ws.FrameSync || hello.State == nil {
				logger.Error().Err(err).Str("client", clientID).Msg("no sync frame")
				return
			}

			if clientID != broadcasterID {
				readerLoop(ctx, conn, latencyCh, logger)
				return
			}

			go drain(ctx, conn)
			replica := crdt.Restore(clientID, *hello.State)
			sendTicker := time.NewTicker(*interval)
			defer sendTicker.Stop()
			for j := range *messages {
				select {
				case <-ctx.Done():
					return
				case <-sendTicker.C:
					if err := sendProbe(conn, replica, j); err != nil {
						logger.Error().Err(err).Msg("failed to send update")
						return
					}
				}
			}
			// Give readers a moment to receive the last update.
			time.Sleep(time.Second)
			stop()
		})
	}

	go func() {
		wg.Wait()
		close(latencyCh)
	}()

	<-ctx.Done()
	report(latencyCh, logger)
}

// sendProbe appends a memo node stamped with the send time.
func sendProbe(conn *websocket.Conn, replica *crdt.Document, n int) error {
	update, err := replica.Transact(func(tx *crdt.Transaction) error {
		return tx.PushNode(types.Node{
			ID:   fmt.Sprintf("probe-%d", n),
			Type: types.EntityMemo,
			Data: types.NodeData{
				EntityID: types.EntityID(fmt.Sprintf("m-probe-%d", n)),
				Metadata: map[string]any{"sent_at": time.Now().UTC().Format(time.RFC3339Nano)},
			},
		})
	})
	if err != nil {
		return err
	}
	return conn.WriteJSON(ws.Frame{Type: ws.FrameUpdate, Update: &update})
}

func drain(ctx context.Context, conn *websocket.Conn) {
	for ctx.Err() == nil {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func readerLoop(ctx context.Context, conn *websocket.Conn, latencies chan<- latencySample, logger zerolog.Logger) {
	for ctx.Err() == nil {
		var frame ws.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("read error")
			}
			return
		}
		if frame.Type != ws.FrameUpdate || frame.Update == nil || frame.Update.Origin != broadcasterID {
			continue
		}
		for _, op := range frame.Update.Ops {
			if op.Region != crdt.RegionNodes || op.Kind != crdt.OpInsert {
				continue
			}
			var node types.Node
			if err := json.Unmarshal([]byte(op.Item.Content), &node); err != nil {
				continue
			}
			sentAt, _ := node.Data.Metadata["sent_at"].(string)
			if ts, err := time.Parse(time.RFC3339Nano, sentAt); err == nil {
				latencies <- latencySample{dur: time.Since(ts)}
			}
		}
	}
}

func report(samples <-chan latencySample, logger zerolog.Logger) {
	var count int
	var total time.Duration
	var max time.Duration
	var under50ms int

	for s := range samples {
		count++
		total += s.dur
		if s.dur > max {
			max = s.dur
		}
		if s.dur < 50*time.Millisecond {
			under50ms++
		}
	}

	if count == 0 {
		fmt.Fprintln(os.Stdout, "no samples collected")
		return
	}

	avg := time.Duration(int64(math.Round(float64(total) / float64(count))))
	pct := (float64(under50ms) / float64(count)) * 100

	fmt.Fprintf(os.Stdout, "Samples: %d\nAvg latency: %s\nMax latency: %s\n<50ms: %.2f%%\n", count, avg, max, pct)
	if pct < 95 {
		logger.Warn().Msg("less than 95% of updates met the 50ms target")
	}
}
