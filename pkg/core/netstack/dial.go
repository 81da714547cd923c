package netstack

import (
    "context"
    "time"

    "go.uber.org/zap"

    "iac/pkg/transport"
)

// ConnectFunc performs one connection attempt to a peer.
type ConnectFunc func(ctx context.Context) error

// DialLoop retries connect on the backoff schedule until it succeeds or ctx
// is done. It returns the last error when ctx ends first.
func DialLoop(ctx context.Context, peer transport.PeerID, b Backoff, connect ConnectFunc) error {
    var wait time.Duration
    for attempt := 1; ; attempt++ {
        err := connect(ctx)
        if err == nil {
            zap.L().Info("dialed", zap.String("peer", string(peer)), zap.Int("attempt", attempt))
            return nil
        }
        if ctx.Err() != nil { return err }
        wait = b.Next(wait)
        d := b.Delay(wait)
        zap.L().Warn("dial failed", zap.String("peer", string(peer)), zap.Int("attempt", attempt), zap.Duration("retry_in", d), zap.Error(err))
        t := time.NewTimer(d)
        select {
        case <-ctx.Done():
            t.Stop()
            return err
        case <-t.C:
        }
    }
}
