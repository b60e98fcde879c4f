// Command tracker is a terminal client for a job in progress.
//
// In cleaner mode it reads positions from stdin, one per line, streams them
// to the relay and prints the actions the cleaner may take. In customer mode
// it follows the job and prints the cleaner's proximity and ETA. With -act
// it first posts that action (start_job, confirm, reject or
// respond_extra_time) for the job or, with -occurrence, for one visit.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/example/cleaner-tracking/internal/backend"
	"github.com/example/cleaner-tracking/internal/channel"
	"github.com/example/cleaner-tracking/internal/config"
	"github.com/example/cleaner-tracking/internal/eta"
	"github.com/example/cleaner-tracking/internal/lifecycle"
	"github.com/example/cleaner-tracking/internal/logging"
	"github.com/example/cleaner-tracking/internal/models"
	"github.com/example/cleaner-tracking/internal/progress"
	"github.com/example/cleaner-tracking/internal/sampler"
)

func main() {
	cfg, err := config.LoadTrackerConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "tracker:", err)
		os.Exit(2)
	}

	var (
		mode     string
		jobID    string
		userID   string
		token    string
		interval time.Duration
		act      actionRequest
		action   string
	)
	flag.StringVar(&mode, "mode", "customer", "cleaner or customer")
	flag.StringVar(&jobID, "job", "", "job to follow")
	flag.StringVar(&userID, "user", "", "acting user id")
	flag.StringVar(&token, "token", os.Getenv("TRACKER_TOKEN"), "relay auth token")
	flag.StringVar(&cfg.APIURL, "api", cfg.APIURL, "REST base URL")
	flag.StringVar(&cfg.RelayURL, "relay", cfg.RelayURL, "relay websocket URL")
	flag.StringVar(&cfg.OSRMURL, "osrm", cfg.OSRMURL, "OSRM base URL for ETA (optional)")
	flag.DurationVar(&interval, "interval", 0, "delay between stdin positions in cleaner mode")
	flag.StringVar(&action, "act", "", "action to post before following the job")
	flag.StringVar(&act.OccurrenceID, "occurrence", "", "weekly visit the action applies to")
	flag.StringVar(&act.RequestID, "request", "", "extra time request to respond to")
	flag.BoolVar(&act.Accept, "accept", false, "accept the extra time request")
	flag.Parse()
	act.Action, act.JobID = lifecycle.Action(action), jobID

	logger := logging.New(os.Stderr, "tracker", cfg.LogLevel, true)
	if jobID == "" || userID == "" {
		fmt.Fprintln(os.Stderr, "tracker: -job and -user are required")
		flag.Usage()
		os.Exit(2)
	}
	role := lifecycle.Role(mode)
	if role != lifecycle.RoleCleaner && role != lifecycle.RoleCustomer {
		fmt.Fprintf(os.Stderr, "tracker: unknown mode %q\n", mode)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if act.Action != "" {
		api := backend.NewClient(cfg.APIURL, userID, string(role))
		line, err := perform(ctx, api, act)
		if err != nil {
			logger.Error("action failed", "action", act.Action, "job_id", jobID, "error", err)
			os.Exit(1)
		}
		fmt.Println(line)
	}

	if err := run(ctx, cfg, role, jobID, userID, token, interval, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("tracker stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.TrackerConfig, role lifecycle.Role, jobID, userID, token string, interval time.Duration, logger *slog.Logger) error {
	session := channel.New(channel.NewWebsocketDialer(cfg.RelayURL), channel.WithLogger(logger))
	defer session.Close()
	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err := session.Connect(connectCtx, channel.Credential{Token: token, UserID: userID})
	cancel()
	if err != nil {
		return errors.Wrap(err, "connect to relay")
	}
	if err := session.JoinRoom(channel.UserRoom(userID)); err != nil {
		return err
	}

	api := backend.NewClient(cfg.APIURL, userID, string(role))
	ps := progress.New(session, api, role, progress.WithLogger(logger))
	defer ps.Unmount()

	printer := &viewPrinter{w: os.Stdout}
	unsubscribe := ps.Subscribe(printer.print)
	defer unsubscribe()

	if err := ps.Mount(ctx, jobID); err != nil {
		return err
	}

	if role == lifecycle.RoleCustomer {
		router := &eta.Cached{Cache: eta.NewCache(cfg.RouteCacheTTL), Fallback: eta.Naive{}}
		if cfg.OSRMURL != "" {
			router.Estimator = eta.NewOSRMClient(cfg.OSRMURL)
		}
		unroute := ps.Subscribe(routeUpdater(ctx, router, ps.SetRoute, logger))
		defer unroute()
		<-ctx.Done()
		return ctx.Err()
	}

	src := &sampler.LineSource{R: os.Stdin, Interval: interval}
	smp := sampler.New(src,
		sampler.WithIdentity(jobID, userID),
		sampler.WithHeartbeat(cfg.Heartbeat),
		sampler.WithAcquireTimeout(cfg.AcquireTimeout),
		sampler.WithLogger(logger),
		sampler.WithErrorHandler(func(err error) { logger.Warn("location unavailable", "error", err) }),
	)
	samples, err := smp.Start(ctx)
	if err != nil {
		return err
	}
	defer smp.Stop()
	for s := range samples {
		ps.TrackLocal(s)
		if err := session.UpdateLocation(jobID, s.Coord); err != nil {
			logger.Warn("location not relayed", "error", err)
		}
	}
	return ctx.Err()
}

// routeUpdater refreshes the route figures whenever the cleaner moves. Views
// produced by SetRoute itself carry an unchanged coordinate and are skipped.
func routeUpdater(ctx context.Context, est eta.Estimator, setRoute func(eta.Route), logger *slog.Logger) func(progress.View) {
	var (
		mu   sync.Mutex
		last models.Coord
		seen bool
	)
	return func(v progress.View) {
		cleaner, ok := v.CleanerCoord.Get()
		if !ok || v.Job.Location.Coord == nil {
			return
		}
		mu.Lock()
		if seen && cleaner == last {
			mu.Unlock()
			return
		}
		last, seen = cleaner, true
		mu.Unlock()
		customer := *v.Job.Location.Coord
		go func() {
			r, err := est.Route(ctx, cleaner, customer)
			if err != nil {
				logger.Debug("route lookup failed", "error", err)
				return
			}
			setRoute(r)
		}()
	}
}

type viewPrinter struct {
	mu   sync.Mutex
	w    io.Writer
	last string
}

func (p *viewPrinter) print(v progress.View) {
	line := renderView(v)
	p.mu.Lock()
	defer p.mu.Unlock()
	if line == p.last {
		return
	}
	p.last = line
	fmt.Fprintln(p.w, line)
}

func renderView(v progress.View) string {
	if v.Err != nil && !v.Loaded {
		return fmt.Sprintf("job %s: unavailable (%v)", v.JobID, v.Err)
	}
	if !v.Loaded {
		return fmt.Sprintf("job %s: loading", v.JobID)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "job %s: %s", v.JobID, v.Job.Status)
	switch p := v.Proximity; {
	case !p.Tracked:
		b.WriteString(" | cleaner not yet tracked")
	case p.DurationSeconds > 0:
		fmt.Fprintf(&b, " | %s %.0fm eta %s", p.Label(), p.DistanceMeters, (time.Duration(p.DurationSeconds) * time.Second).Round(time.Second))
	default:
		fmt.Fprintf(&b, " | %s %.0fm", p.Label(), p.DistanceMeters)
	}
	if n := len(v.PendingExtraTime); n > 0 {
		fmt.Fprintf(&b, " | %d extra time request(s)", n)
	}
	if len(v.Actions) > 0 {
		names := make([]string, len(v.Actions))
		for i, a := range v.Actions {
			names[i] = string(a)
		}
		fmt.Fprintf(&b, " | actions: %s", strings.Join(names, ","))
	}
	if v.Err != nil {
		fmt.Fprintf(&b, " | stale: %v", v.Err)
	}
	return b.String()
}
