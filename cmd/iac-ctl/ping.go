package main

import (
    "context"
    "encoding/json"
    "fmt"
    "time"

    "github.com/spf13/cobra"

    "iac/pkg/protocol"
)

var (
    pingCount    int
    pingInterval time.Duration
)

var pingCmd = &cobra.Command{
    Use:   "ping",
    Short: "Measure heartbeat round trips to a node",
    RunE: func(cmd *cobra.Command, args []string) error {
        ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
        defer cancel()
        c, err := newClient()
        if err != nil { return err }
        defer c.Close()

        start := time.Now()
        conn, err := c.session(ctx)
        if err != nil { return fmt.Errorf("connect: %w", err) }
        defer conn.Close()
        w := cmd.OutOrStdout()
        fmt.Fprintf(w, "connected to %s over %s (session %d, dictionary %d) in %s\n", conn.PeerID(), conn.Kind(), conn.SessionID(), conn.DictID(), time.Since(start).Round(time.Microsecond))

        lost := 0
        for i := 0; i < pingCount; i++ {
            if i > 0 { time.Sleep(pingInterval) }
            m := protocol.New("", string(c.peer), protocol.MsgPing, "")
            sent := time.Now()
            if err := conn.Send(ctx, m); err != nil { return err }
            if err := awaitAck(ctx, conn.Messages(), m.MsgID); err != nil {
                lost++
                fmt.Fprintf(w, "seq=%d %v\n", m.MsgID, err)
                if ctx.Err() != nil { break }
                continue
            }
            fmt.Fprintf(w, "seq=%d rtt=%s\n", m.MsgID, time.Since(sent).Round(time.Microsecond))
        }
        st := conn.Stats()
        fmt.Fprintf(w, "%d sent, %d lost, %d bytes out, %d bytes in\n", pingCount, lost, st.BytesOut, st.BytesIn)
        if lost == pingCount { return fmt.Errorf("no heartbeat answered") }
        return nil
    },
}

// awaitAck waits for the PING acknowledging id; other traffic is ignored.
func awaitAck(ctx context.Context, in <-chan *protocol.Message, id uint64) error {
    wait := time.NewTimer(2 * time.Second)
    defer wait.Stop()
    for {
        select {
        case <-ctx.Done():
            return ctx.Err()
        case <-wait.C:
            return fmt.Errorf("no answer")
        case m, ok := <-in:
            if !ok { return fmt.Errorf("session closed") }
            if m.Type != protocol.MsgPing { continue }
            var a struct{ Ack uint64 `json:"ack"` }
            if json.Unmarshal([]byte(m.PayloadJSON), &a) == nil && a.Ack == id { return nil }
        }
    }
}

func init() {
    pingCmd.Flags().IntVarP(&pingCount, "count", "c", 3, "heartbeats to send")
    pingCmd.Flags().DurationVar(&pingInterval, "interval", 500*time.Millisecond, "pause between heartbeats")
    addTargetFlags(pingCmd)
    rootCmd.AddCommand(pingCmd)
}
