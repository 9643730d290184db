// Package serve implements the long-running service command.
package serve

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/tphakala/trafficsat/internal/api"
	"github.com/tphakala/trafficsat/internal/app"
	"github.com/tphakala/trafficsat/internal/buildinfo"
	"github.com/tphakala/trafficsat/internal/conf"
	"github.com/tphakala/trafficsat/internal/jobqueue"
	"github.com/tphakala/trafficsat/internal/logger"
	"github.com/tphakala/trafficsat/internal/mqtt"
	"github.com/tphakala/trafficsat/internal/notification"
	"github.com/tphakala/trafficsat/internal/scheduler"
	"github.com/tphakala/trafficsat/internal/telemetry"
)

// queueStopTimeout bounds waiting for an in-flight job on shutdown.
const queueStopTimeout = 30 * time.Second

// Command creates the serve command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the REST API",
		Long:  "Start the recurring traffic analysis, the manual trigger job queue and the /api/v2/traffic REST API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return Run(ctx, settings)
		},
	}

	cmd.Flags().StringVar(&settings.WebServer.Port, "port", settings.WebServer.Port, "Port for the REST API")
	cmd.Flags().BoolVar(&settings.Scheduler.Enabled, "schedule", settings.Scheduler.Enabled, "Run the whole-area analysis on the configured interval")
	cmd.Flags().DurationVar(&settings.Scheduler.Interval, "interval", settings.Scheduler.Interval, "Interval between scheduled runs")
	_ = viper.BindPFlag("webserver.port", cmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("scheduler.enabled", cmd.Flags().Lookup("schedule"))
	_ = viper.BindPFlag("scheduler.interval", cmd.Flags().Lookup("interval"))

	return cmd
}

// Run builds every component and serves until ctx is cancelled.
func Run(ctx context.Context, settings *conf.Settings) error {
	log := logger.Global().Module("serve")
	log.Info("starting trafficsat", logger.String("build", buildinfo.String()))

	if err := telemetry.Init(&settings.Sentry, logger.Global().Module("telemetry")); err != nil {
		// telemetry is optional, keep serving without it
		log.Warn("error telemetry disabled", logger.Error(err))
	}
	defer telemetry.Flush(0)

	c, err := app.Build(settings, app.WithLogger(logger.Global().Module("app")))
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Warn("error while closing components", logger.Error(err))
		}
	}()
	c.CheckDetector(ctx)

	queue := jobqueue.NewJobQueue(settings.JobQueue.MaxJobs, settings.JobQueue.MaxArchived,
		jobqueue.WithLogger(logger.Global().Module("jobqueue")),
		jobqueue.WithObserver(c.Metrics.JobQueue),
		jobqueue.WithJobTimeout(settings.JobQueue.JobTimeout))

	var sched *scheduler.Scheduler
	if settings.Scheduler.Enabled {
		sched = scheduler.New(
			scheduler.RunnerFunc(func(ctx context.Context) error {
				_, err := c.Orchestrator.RunWholeArea(ctx)
				return err
			}),
			scheduler.WithInterval(settings.Scheduler.Interval),
			scheduler.WithRunOnStart(settings.Scheduler.RunOnStart),
			scheduler.WithRunTimeout(settings.JobQueue.JobTimeout),
			scheduler.WithLogger(logger.Global().Module("scheduler")))
	}

	var server *api.Server
	if settings.WebServer.Enabled {
		server, err = api.New(settings,
			api.WithDataStore(c.Store),
			api.WithRunner(c.Orchestrator),
			api.WithJobQueue(queue),
			api.WithMetrics(c.Metrics),
			api.WithLogger(logger.Global().Module("api")))
		if err != nil {
			return err
		}
		if err := c.Bus.RegisterConsumer(server.APIController().CacheConsumer()); err != nil {
			return err
		}
	}

	var mqttClient mqtt.Client
	if settings.MQTT.Enabled {
		mqttClient, err = mqtt.NewClient(settings, c.Metrics.MQTT, logger.Global().Module("mqtt"))
		if err != nil {
			return err
		}
		publisher := mqtt.NewPublisher(mqttClient, settings.MQTT.Topic, logger.Global().Module("mqtt"))
		if err := c.Bus.RegisterConsumer(publisher); err != nil {
			return err
		}
	}

	if settings.Notification.Enabled {
		notifier, err := notification.New(&settings.Notification,
			notification.WithMetrics(c.Metrics.Notification),
			notification.WithLogger(logger.Global().Module("notification")))
		if err != nil {
			return err
		}
		if err := c.Bus.RegisterConsumer(notifier); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	queue.Start(gctx)
	if sched != nil {
		sched.Start()
	}

	if server != nil {
		g.Go(func() error { return server.Start(gctx) })
	}

	if mqttClient != nil {
		g.Go(func() error {
			// the broker may come up later, publishing resumes once connected
			if err := mqttClient.Connect(gctx); err != nil {
				log.Warn("mqtt connect failed", logger.Error(err))
			}
			<-gctx.Done()
			mqttClient.Disconnect()
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		if sched != nil {
			sched.Stop()
		}
		if err := queue.StopWithTimeout(queueStopTimeout); err != nil {
			log.Warn("job queue did not stop cleanly", logger.Error(err))
		}
		return nil
	})

	err = g.Wait()
	log.Info("trafficsat stopped")
	return err
}
