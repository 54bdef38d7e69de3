// Command connbridge bridges one or more source listeners to a single
// destination address, journaling every byte crossed in either
// direction to disk.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/anthropics/connbridge/internal/acceptor"
	"github.com/anthropics/connbridge/internal/dispatcher"
	"github.com/anthropics/connbridge/internal/metrics"
)

var (
	journalDir  = flag.String("journal-dir", ".", "Directory journal files are created in.")
	metricsAddr = flag.String("metrics-addr", "", "If set, serve Prometheus metrics and the listener list on this address.")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] source-host source-service dest-host dest-service\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) != 4 {
		flag.Usage()
		os.Exit(1)
	}
	sourceHost, sourceService, destHost, destService := args[0], args[1], args[2], args[3]

	// Write failures on a peer-reset socket surface as EPIPE return values
	// from unix.Write, handled like any other per-connection write error.
	signal.Ignore(unix.SIGPIPE)

	sourceAddrs, err := resolve(sourceHost, sourceService)
	if err != nil {
		glog.Exitf("resolve source %s:%s: %v", sourceHost, sourceService, err)
	}
	destAddrs, err := resolve(destHost, destService)
	if err != nil {
		glog.Exitf("resolve destination %s:%s: %v", destHost, destService, err)
	}
	dest := destAddrs[0]

	disp, err := dispatcher.New()
	if err != nil {
		glog.Exitf("create dispatcher: %v", err)
	}
	defer disp.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	listeners := make([]*acceptor.Listener, 0, len(sourceAddrs))
	for _, src := range sourceAddrs {
		l, err := acceptor.Listen(disp, src, dest, *journalDir, m)
		if err != nil {
			glog.Errorf("listener setup %s: %v", src, err)
			continue
		}
		listeners = append(listeners, l)
	}
	if len(listeners) == 0 {
		glog.Exitf("no listener could be started")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		for _, l := range listeners {
			if err := l.Close(); err != nil {
				glog.V(1).Infof("close listener: %v", err)
			}
		}
		return nil
	})

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/listeners", func(w http.ResponseWriter, r *http.Request) {
			for _, l := range listeners {
				fmt.Fprintln(w, l.Addr())
			}
		})
		httpLn, err := net.Listen("tcp", *metricsAddr)
		if err != nil {
			glog.Exitf("listen on metrics address %s: %v", *metricsAddr, err)
		}
		g.Go(func() error {
			go func() {
				<-gctx.Done()
				httpLn.Close()
			}()
			glog.Infof("serving metrics on %s", *metricsAddr)
			return http.Serve(httpLn, mux)
		})
	}

	g.Go(disp.Run)

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		glog.Exitf("%v", err)
	}
}

// resolve resolves host/service into every distinct TCP address the
// standard resolver reports for it, with hints requesting stream
// sockets, any address family, IPv4-mapped IPv6 allowed — the default
// behavior of the net package's resolver.
func resolve(host, service string) ([]*net.TCPAddr, error) {
	ips, err := net.DefaultResolver.LookupIPAddr(context.Background(), host)
	if err != nil {
		return nil, fmt.Errorf("lookup host %q: %w", host, err)
	}
	port, err := net.DefaultResolver.LookupPort(context.Background(), "tcp", service)
	if err != nil {
		return nil, fmt.Errorf("lookup service %q: %w", service, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for host %q", host)
	}
	addrs := make([]*net.TCPAddr, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, &net.TCPAddr{IP: ip.IP, Port: port, Zone: ip.Zone})
	}
	return addrs, nil
}
