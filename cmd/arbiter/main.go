package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dhttp"
	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sethvargo/go-envconfig"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fastpass-net/fastpass/pkg/arbiter"
	"github.com/fastpass-net/fastpass/pkg/emu"
	"github.com/fastpass-net/fastpass/pkg/fpnet"
)

// Version is inserted at build using --ldflags -X
var Version = "(unknown version)"

// Env is the arbiter's environment. LOG_LEVEL is the one variable read
// elsewhere, by makeBaseLogger.
type Env struct {
	ListenHost     string        `env:"FASTPASS_LISTEN_HOST,default=0.0.0.0"`
	ListenPort     int           `env:"FASTPASS_LISTEN_PORT,default=8722"`
	PrometheusPort int           `env:"FASTPASS_PROMETHEUS_PORT,default=0"`
	MaxEndpoints   int           `env:"FASTPASS_MAX_ENDPOINTS,default=64"`
	TslotLen       time.Duration `env:"FASTPASS_TSLOT_LEN,default=1ms"`
	Allocator      string        `env:"FASTPASS_ALLOCATOR,default=greedy"`
	TopologyFile   string        `env:"FASTPASS_TOPOLOGY,default="`
}

func main() {
	cmd := &cobra.Command{
		Use:          "arbiter",
		Short:        "Fastpass central arbiter",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
	base := makeBaseLogger()
	dlog.SetFallbackLogger(base)
	if err := cmd.ExecuteContext(dlog.WithLogger(context.Background(), base)); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var env Env
	if err := envconfig.Process(ctx, &env); err != nil {
		return err
	}
	dlog.Infof(ctx, "Fastpass arbiter %s [pid:%d]", Version, os.Getpid())

	cfg := arbiter.Config{
		MaxEndpoints: env.MaxEndpoints,
		TslotLen:     env.TslotLen,
		Allocator:    env.Allocator,
	}
	if env.TopologyFile != "" {
		raw, err := os.ReadFile(env.TopologyFile)
		if err != nil {
			return errors.Wrap(err, "topology file")
		}
		if cfg.Topology, err = emu.ParseConfig(raw); err != nil {
			return err
		}
	}

	tx := newUDPTransport(env.MaxEndpoints)
	arb, err := arbiter.New(cfg, tx)
	if err != nil {
		return err
	}

	addr := &net.UDPAddr{IP: net.ParseIP(env.ListenHost), Port: env.ListenPort}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return err
	}
	if err := conn.SetWriteBuffer(fpnet.SendBufferSize); err != nil {
		conn.Close()
		return err
	}
	tx.conn = conn
	dlog.Infof(ctx, "control channel on %s, allocator %q", conn.LocalAddr(), env.Allocator)

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: true})

	g.Go("comm-rx", func(ctx context.Context) error {
		defer conn.Close()
		buf := make([]byte, 2048)
		for ctx.Err() == nil {
			if err := conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
				return err
			}
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			ep, ok := tx.endpointFor(from)
			if !ok {
				dlog.Debugf(ctx, "dropping datagram from unexpected source %s", from)
				continue
			}
			pkt := make([]byte, n)
			copy(pkt, buf[:n])
			arb.RxPacket(ep, pkt)
		}
		return nil
	})

	g.Go("cores", arb.Run)

	if env.PrometheusPort != 0 {
		g.Go("prometheus", func(ctx context.Context) error {
			reg := prometheus.NewRegistry()
			arb.RegisterMetrics(reg)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			sc := &dhttp.ServerConfig{Handler: mux}
			dlog.Infof(ctx, "serving Prometheus metrics on port %d", env.PrometheusPort)
			return sc.ListenAndServe(ctx, fmt.Sprintf(":%d", env.PrometheusPort))
		})
	} else {
		dlog.Info(ctx, "Prometheus metrics server not started")
	}

	return g.Wait()
}

// udpTransport learns each endpoint's address from its first datagram and
// refuses new sources once the table is full.
type udpTransport struct {
	mu    sync.Mutex
	conn  *net.UDPConn
	byAdr map[string]uint16
	addrs []*net.UDPAddr
}

func newUDPTransport(maxEndpoints int) *udpTransport {
	return &udpTransport{
		byAdr: make(map[string]uint16),
		addrs: make([]*net.UDPAddr, 0, maxEndpoints),
	}
}

func (t *udpTransport) endpointFor(from *net.UDPAddr) (uint16, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ep, ok := t.byAdr[from.String()]; ok {
		return ep, true
	}
	if len(t.addrs) == cap(t.addrs) {
		return 0, false
	}
	ep := uint16(len(t.addrs))
	t.addrs = append(t.addrs, from)
	t.byAdr[from.String()] = ep
	return ep, true
}

func (t *udpTransport) Send(ep uint16, pkt []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(ep) >= len(t.addrs) {
		return fmt.Errorf("no address known for endpoint %d", ep)
	}
	_, err := t.conn.WriteToUDP(pkt, t.addrs[ep])
	return err
}

func makeBaseLogger() dlog.Logger {
	logrusLogger := logrus.New()
	logrusLogger.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05.0000",
		FullTimestamp:   true,
	})
	logrusLogger.SetReportCaller(false)

	level := logrus.InfoLevel
	if ls := os.Getenv("LOG_LEVEL"); ls != "" {
		if parsed, err := logrus.ParseLevel(ls); err == nil {
			level = parsed
		}
	}
	logrusLogger.SetLevel(level)
	return dlog.WrapLogrus(logrusLogger)
}
