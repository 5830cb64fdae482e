package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/configsvr/internal/testhelper"
)

func TestServeSubcommand(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	conf := memoryConfig()
	conf.PrometheusListenAddr = "127.0.0.1:0"

	addrCh := make(chan net.Addr, 1)
	cmd := newServeSubcommand(testhelper.NewDiscardingLogEntry(t))
	cmd.registry = prometheus.NewRegistry()
	cmd.ready = func(addr net.Addr) { addrCh <- addr }

	serveCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- cmd.Exec(serveCtx, cmd.FlagSet(), conf) }()

	var addr net.Addr
	select {
	case addr = <-addrCh:
	case err := <-done:
		require.FailNow(t, "serve terminated early", "%v", err)
	}

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + addr.String() + "/metrics")
	require.NoError(t, err)
	_, err = io.Copy(io.Discard, resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stop()
	require.NoError(t, <-done)
}

func TestServeSubcommand_withoutMetricsListener(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	cmd := newServeSubcommand(testhelper.NewDiscardingLogEntry(t))
	cmd.registry = prometheus.NewRegistry()

	serveCtx, stop := context.WithCancel(ctx)
	stop()

	require.NoError(t, cmd.Exec(serveCtx, cmd.FlagSet(), memoryConfig()))
}
