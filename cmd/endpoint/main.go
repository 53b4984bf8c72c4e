package main

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/sethvargo/go-envconfig"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fastpass-net/fastpass/pkg/endpoint"
	"github.com/fastpass-net/fastpass/pkg/fpnet"
	"github.com/fastpass-net/fastpass/pkg/wire"
)

// Version is inserted at build using --ldflags -X
var Version = "(unknown version)"

// Env mirrors the qdisc parameter block: packet limits, link rate, timeslot
// length, request pacing, and the protocol timeouts.
type Env struct {
	ControllerHost  string        `env:"FASTPASS_CONTROLLER_HOST,required"`
	ControllerPort  int           `env:"FASTPASS_CONTROLLER_PORT,default=8722"`
	PacketLimit     int           `env:"FASTPASS_PACKET_LIMIT,default=1024"`
	FlowPacketLimit int           `env:"FASTPASS_FLOW_PACKET_LIMIT,default=256"`
	HashTableLog    int           `env:"FASTPASS_HASH_TBL_LOG,default=8"`
	DataRate        uint64        `env:"FASTPASS_DATA_RATE,default=1250000000"`
	TslotLen        time.Duration `env:"FASTPASS_TSLOT_LEN,default=1ms"`
	ReqCost         time.Duration `env:"FASTPASS_REQ_COST,default=2ms"`
	ReqBucket       time.Duration `env:"FASTPASS_REQ_BUCKET,default=8ms"`
	ReqMinGap       time.Duration `env:"FASTPASS_REQ_MIN_GAP,default=100us"`
	ResetWindow     time.Duration `env:"FASTPASS_RESET_WINDOW,default=2s"`
	SendTimeout     time.Duration `env:"FASTPASS_SEND_TIMEOUT,default=5ms"`
}

func main() {
	cmd := &cobra.Command{
		Use:          "endpoint",
		Short:        "Fastpass endpoint scheduler",
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
	dlog.Infof(ctx, "Fastpass endpoint %s [pid:%d]", Version, os.Getpid())

	peer := &net.UDPAddr{IP: net.ParseIP(env.ControllerHost), Port: env.ControllerPort}
	conn, err := fpnet.DialUDP(&net.UDPAddr{}, peer)
	if err != nil {
		return err
	}
	defer conn.Close()

	sched, err := endpoint.New(endpoint.Config{
		PacketLimit:     env.PacketLimit,
		FlowPacketLimit: env.FlowPacketLimit,
		HashTableLog:    env.HashTableLog,
		DataRate:        env.DataRate,
		TslotLen:        env.TslotLen,
		ReqCost:         env.ReqCost,
		ReqBucket:       env.ReqBucket,
		ReqMinGap:       env.ReqMinGap,
		ResetWindow:     env.ResetWindow,
		SendTimeout:     env.SendTimeout,
	}, func(b []byte) {
		if err := conn.Send(b); err != nil {
			dlog.Errorf(ctx, "control send: %v", err)
		}
	}, time.Now().UnixNano())
	if err != nil {
		return err
	}
	defer sched.Destroy()
	sched.Connect(time.Now().UnixNano())
	dlog.Infof(ctx, "controller at %s, timeslot %s", peer, env.TslotLen)

	rxCh := make(chan []byte, 64)
	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: true})

	g.Go("rx", func(ctx context.Context) error {
		return fpnet.ReadLoop(ctx, conn, wire.MaxPayloadArbiter+64, time.Second, func(b []byte) {
			select {
			case rxCh <- b:
			default:
				dlog.Debug(ctx, "rx channel full, dropping datagram")
			}
		})
	})

	// Timer events and received packets drain on a single goroutine, so
	// the scheduler sees a strictly ordered event stream.
	g.Go("events", func(ctx context.Context) error {
		timer := time.NewTimer(time.Hour)
		defer timer.Stop()
		for {
			now := time.Now().UnixNano()
			next := nextDeadline(sched)
			d := time.Hour
			if next != 0 {
				if d = time.Duration(next - now); d < 0 {
					d = 0
				}
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d)

			select {
			case <-ctx.Done():
				return nil
			case b := <-rxCh:
				sched.RxPacket(b, time.Now().UnixNano())
			case <-timer.C:
				dispatchTimers(sched)
			}
			for _, p := range sched.PopEgress() {
				dlog.Debugf(ctx, "release packet len %d to endpoint %d", p.Len, p.DstEndpoint)
			}
		}
	})

	return g.Wait()
}

func nextDeadline(s *endpoint.Sched) int64 {
	req, rtx, wd := s.NextEvents()
	next := int64(0)
	for _, t := range []int64{req, rtx, wd} {
		if t != 0 && (next == 0 || t < next) {
			next = t
		}
	}
	return next
}

func dispatchTimers(s *endpoint.Sched) {
	now := time.Now().UnixNano()
	req, rtx, wd := s.NextEvents()
	if req != 0 && req <= now {
		s.OnRequestTimer(now)
	}
	if rtx != 0 && rtx <= now {
		s.OnRetransmitTimer(now)
	}
	if wd != 0 && wd <= now {
		s.OnWatchdog(now)
	}
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
