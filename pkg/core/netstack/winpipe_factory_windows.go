//go:build windows

package netstack

import (
    "iac/pkg/transport"
    "iac/pkg/transport/winpipe"
)

func newWinPipeTransport() (transport.Transport, error) { return winpipe.New(), nil }

func winPipeAvailable(name string) bool { return winpipe.Available(name) }
