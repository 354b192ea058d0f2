package server

import (
	"context"
	stdlog "log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/chrisvdg/staticserver/cache"
	"github.com/chrisvdg/staticserver/resolver"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// metricsShutdownTimeout bounds the shutdown of the metrics endpoint
const metricsShutdownTimeout = 2 * time.Second

// New creates a new server instance
func New(c *Config) (*Server, error) {
	if c == nil {
		return nil, errors.New("no config provided")
	}
	err := c.Validate()
	if err != nil {
		return nil, err
	}

	r, err := resolver.New(&resolver.Config{
		Root:           c.Root,
		IndexFiles:     c.IndexFiles,
		Listing:        c.Listing,
		FollowSymlinks: c.FollowSymlinks,
	})
	if err != nil {
		return nil, err
	}

	m := newMetrics()
	ca, err := cache.New(r, &cache.Config{
		MaxEntries: c.CacheSize,
		Revalidate: c.Revalidate,
		Metrics:    m.cache(),
	})
	if err != nil {
		return nil, err
	}

	h, err := newHandlers(ca, c)
	if err != nil {
		ca.Close()
		return nil, err
	}
	handler := chain(newRouter(h),
		accessLog(m),
		cors(c.CORS),
		rateLimit(c.RateLimit, c.RateBurst),
	)

	s := &Server{
		c:        c,
		resolver: r,
		cache:    ca,
		metrics:  m,
	}
	s.http = &http.Server{
		Handler:           handler,
		IdleTimeout:       c.IdleTimeout,
		ReadHeaderTimeout: c.ReadHeaderTimeout,
		ConnContext:       connContext,
	}

	return s, nil
}

// Server represents a server instance
type Server struct {
	c        *Config
	resolver *resolver.Resolver
	cache    *cache.Cache
	metrics  *metrics
	http     *http.Server

	mu          sync.Mutex
	ln          *limitListener
	cacheClosed bool
}

// connContext tags the connection context with the connection id
func connContext(ctx context.Context, c net.Conn) context.Context {
	if tc, ok := c.(*trackedConn); ok {
		return withConnID(ctx, tc.id)
	}
	return ctx
}

// Listen binds the listen address
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return errors.New("server is already listening")
	}

	l, err := net.Listen("tcp", s.c.Addr())
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.c.Addr())
	}
	s.ln = newLimitListener(l, s.c, s.metrics)

	return nil
}

// Addr returns the bound address, nil before Listen
func (s *Server) Addr() net.Addr {
	ln := s.listener()
	if ln == nil {
		return nil
	}
	return ln.Addr()
}

// State returns the listener state
func (s *Server) State() State {
	ln := s.listener()
	if ln == nil {
		return StateIdle
	}
	return ln.State()
}

func (s *Server) listener() *limitListener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ln
}

// ListenAndServe binds the listen address and serves until stop is closed
func (s *Server) ListenAndServe(stop <-chan struct{}) error {
	err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(stop)
}

// Serve serves requests until stop is closed, then drains open connections
// for the grace period. Listen must have been called.
func (s *Server) Serve(stop <-chan struct{}) error {
	ln := s.listener()
	if ln == nil {
		return errors.New("server is not listening")
	}
	quit := make(chan struct{})
	defer close(quit)
	if s.c.Watch {
		w, err := cache.NewWatcher(s.cache, s.resolver)
		if err != nil {
			_ = ln.Close()
			ln.finish()
			s.closeCache()
			return err
		}
		go w.Run(quit)
		log.Debugf("watching %s for changes", s.resolver.Root())
	}
	if s.c.MetricsAddr != "" {
		go s.serveMetrics(quit)
	}

	errLog := log.StandardLogger().WriterLevel(log.WarnLevel)
	defer errLog.Close()
	s.http.ErrorLog = stdlog.New(errLog, "", 0)

	errc := make(chan error, 1)
	go func() {
		errc <- s.http.Serve(ln)
	}()
	log.Infof("serving %s on http://%s", s.resolver.Root(), ln.Addr())

	select {
	case err := <-errc:
		ln.finish()
		return errors.Wrap(err, "server stopped unexpectedly")
	case <-stop:
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.c.GracePeriod)
	defer cancel()
	err := s.Shutdown(ctx)
	<-errc
	// handlers may outlive a forced close, the cache stays usable for them
	if err == nil {
		s.closeCache()
	}

	return err
}

// closeCache releases the cache once no handler can use it anymore
func (s *Server) closeCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cacheClosed {
		return
	}
	s.cacheClosed = true
	s.cache.Close()
}

// Shutdown stops accepting connections and waits for open ones until ctx
// is done, after that the remaining connections are closed forcibly
func (s *Server) Shutdown(ctx context.Context) error {
	ln := s.listener()
	if ln != nil {
		ln.drain()
		log.Infof("draining %d connections", ln.Active())
	}

	err := s.http.Shutdown(ctx)
	if err != nil {
		log.Warnf("shutdown: %s, closing remaining connections", err)
		_ = s.http.Close()
		if ln != nil {
			ln.finish()
		}
		return ErrForcedShutdown
	}
	if ln != nil {
		ln.finish()
	}
	log.Info("all connections drained")

	return nil
}

// serveMetrics serves the metrics endpoint until quit is closed
func (s *Server) serveMetrics(quit <-chan struct{}) {
	r := mux.NewRouter()
	r.Handle("/metrics", s.metrics.handler()).Methods(http.MethodGet)
	srv := &http.Server{
		Addr:              s.c.MetricsAddr,
		Handler:           r,
		ReadHeaderTimeout: s.c.ReadHeaderTimeout,
	}

	go func() {
		<-quit
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	log.Infof("metrics listening on http://%s/metrics", s.c.MetricsAddr)
	err := srv.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		log.Errorf("metrics server: %s", err)
	}
}
