package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/korovkin/limiter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/ryobi-gdo/internal/pkg/bridge"
	"github.com/jake-scott/ryobi-gdo/internal/pkg/hamqtt"
	"github.com/jake-scott/ryobi-gdo/internal/pkg/logging"
	"github.com/jake-scott/ryobi-gdo/internal/pkg/tiwiapi"
	"github.com/jake-scott/ryobi-gdo/pkg/middlewares"
)

var _serveCmdOpts struct {
	diagPort         uint16
	gracefulTimeout  time.Duration
	apiTimeout       time.Duration
	fetchConcurrency int
	mqttBroker       string
	mqttUsername     string
	mqttPassword     string
	mqttBaseTopic    string
	discoveryPrefix  string
	logRequests      bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the garage door bridge daemon",

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doServe(); err != nil {
			return err
		}

		return nil
	},

	PreRunE: func(cmd *cobra.Command, args []string) error {
		return checkRequiredFlags("ryobi.username", "ryobi.password")
	},
}

func init() {
	serveCmd.Flags().Uint16Var(&_serveCmdOpts.diagPort, "diag-port", 9811, "diagnostics HTTP port (health and metrics)")
	serveCmd.Flags().DurationVar(&_serveCmdOpts.gracefulTimeout, "graceful-timeout", time.Second*15, "duration to wait for the daemon to finish, eg. 1m or 10s")
	serveCmd.Flags().DurationVar(&_serveCmdOpts.apiTimeout, "api-timeout", time.Second*15, "maximum duration of a cloud API call, eg. 1m or 10s")
	serveCmd.Flags().IntVar(&_serveCmdOpts.fetchConcurrency, "fetch-concurrency", 4, "concurrent per-device detail fetches at startup")
	serveCmd.Flags().StringVar(&_serveCmdOpts.mqttBroker, "mqtt-broker", "", "MQTT broker URL, eg. tcp://broker:1883 (MQTT disabled when empty)")
	serveCmd.Flags().StringVar(&_serveCmdOpts.mqttUsername, "mqtt-username", "", "MQTT broker username")
	serveCmd.Flags().StringVar(&_serveCmdOpts.mqttPassword, "mqtt-password", "", "MQTT broker password")
	serveCmd.Flags().StringVar(&_serveCmdOpts.mqttBaseTopic, "mqtt-base-topic", "ryobi-gdo", "base topic for entity state and commands")
	serveCmd.Flags().StringVar(&_serveCmdOpts.discoveryPrefix, "discovery-prefix", "homeassistant", "Home Assistant MQTT discovery prefix")
	serveCmd.Flags().BoolVar(&_serveCmdOpts.logRequests, "log-requests", false, "log diagnostics requests and responses (only in debug mode)")

	errPanic(viper.GetViper().BindPFlag("diag.port", serveCmd.Flags().Lookup("diag-port")))
	errPanic(viper.GetViper().BindPFlag("diag.graceful-timeout", serveCmd.Flags().Lookup("graceful-timeout")))
	errPanic(viper.GetViper().BindPFlag("ryobi.api-timeout", serveCmd.Flags().Lookup("api-timeout")))
	errPanic(viper.GetViper().BindPFlag("ryobi.fetch-concurrency", serveCmd.Flags().Lookup("fetch-concurrency")))
	errPanic(viper.GetViper().BindPFlag("mqtt.broker", serveCmd.Flags().Lookup("mqtt-broker")))
	errPanic(viper.GetViper().BindPFlag("mqtt.username", serveCmd.Flags().Lookup("mqtt-username")))
	errPanic(viper.GetViper().BindPFlag("mqtt.password", serveCmd.Flags().Lookup("mqtt-password")))
	errPanic(viper.GetViper().BindPFlag("mqtt.base-topic", serveCmd.Flags().Lookup("mqtt-base-topic")))
	errPanic(viper.GetViper().BindPFlag("mqtt.discovery-prefix", serveCmd.Flags().Lookup("discovery-prefix")))
	errPanic(viper.GetViper().BindPFlag("logging.log-requests", serveCmd.Flags().Lookup("log-requests")))

	rootCmd.AddCommand(serveCmd)
}

func doServe() error {
	wait := viper.GetDuration("diag.graceful-timeout")
	port := viper.GetUint("diag.port")

	var logRequests bool
	if viper.GetBool("logging.log-requests") {
		if logrus.IsLevelEnabled(logrus.DebugLevel) {
			logRequests = true
		} else {
			logging.Logger(nil).Warn("log-requests ignored when not in debug mode")
		}
	}

	api := newAPIClient()

	session, err := api.Login()
	if err != nil {
		return err
	}

	devices, err := api.Devices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return fmt.Errorf("no devices linked to account %s", session.Username)
	}
	for _, d := range devices {
		logging.Logger(nil).Infof("found device %s (%s)", d.Name, d.ID)
	}

	details := fetchDetails(api, devices)

	metrics := bridge.NewMetrics()
	registry := prometheus.NewRegistry()
	metrics.MustRegister(registry)

	rt := newRealtime(session)
	devs := bridge.New(rt, metrics)

	for _, d := range devices {
		devs.AddDevice(d, details[d.ID])
		if err := devs.Watch(d.ID); err != nil {
			logging.Logger(nil).WithError(err).Errorf("subscribing to %s", d.ID)
		}
	}

	// Optional MQTT entity bridge
	var eb *hamqtt.EntityBridge
	if broker := viper.GetString("mqtt.broker"); broker != "" {
		mq, err := hamqtt.Connect(hamqtt.Config{
			BrokerURL:       broker,
			Username:        viper.GetString("mqtt.username"),
			Password:        viper.GetString("mqtt.password"),
			BaseTopic:       viper.GetString("mqtt.base-topic"),
			DiscoveryPrefix: viper.GetString("mqtt.discovery-prefix"),
		})
		if err != nil {
			return err
		}
		defer mq.Close()

		eb = hamqtt.NewEntityBridge(mq, devs,
			viper.GetString("mqtt.base-topic"), viper.GetString("mqtt.discovery-prefix"))
		if err := eb.Start(); err != nil {
			return err
		}
	} else {
		logging.Logger(nil).Warn("no MQTT broker configured, state is only visible on the diagnostics endpoint")
	}

	rt.WithStateHook(func(connected bool) {
		if connected {
			metrics.SocketConnects.Inc()
		} else {
			metrics.SocketDrops.Inc()
		}

		if eb != nil {
			if err := eb.PublishAvailability(connected); err != nil {
				logging.Logger(nil).WithError(err).Error("publishing availability")
			}
		}
	})

	// context to allow us to stop the socket supervisor
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	// Run the websocket supervisor in a goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		rt.Run(ctx)
	}()

	// Pump inbound notifications into the bridge; ends when the
	// supervisor closes the updates channel
	wg.Add(1)
	go func() {
		defer wg.Done()
		for u := range rt.Updates() {
			devs.Apply(u)
		}
		logging.Logger(nil).Info("update-pump: done")
	}()

	// Diagnostics server
	r := mux.NewRouter()
	r.Use(middlewares.NewCorsMw(cors.Options{}))
	r.Use(middlewares.NewLoggingMw(logRequests))
	r.Use(middlewares.NewRecoveryMw())
	r.Use(middlewares.NewCorrelationMw("X-Correlation-ID"))
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.HandleFunc("/healthz", func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]interface{}{
			"status":  "ok",
			"devices": len(devs.Devices()),
		})
	}).Methods(http.MethodGet)

	s := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		ReadTimeout:  time.Second * 15,
		WriteTimeout: time.Second * 60,
		IdleTimeout:  time.Second * 60,
		Handler:      r,
	}

	logging.Logger(nil).Infof("diagnostics on port %d", port)
	go func() {
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Logger(nil).WithError(err).Error("running diagnostics server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)

	// Block until we receive a signal
	<-c
	logging.Logger(nil).Info("shutting down")

	sctx, scancel := context.WithTimeout(context.Background(), wait)
	defer scancel()
	if err := s.Shutdown(sctx); err != nil {
		logging.Logger(nil).WithError(err).Error("shutting down diagnostics server")
	}

	cancel()
	wg.Wait()

	logging.Logger(nil).Info("exiting")
	return nil
}

// fetchDetails grabs the attribute tree for each device with a bounded
// number of requests in flight.  A failed fetch is logged, not fatal;
// the device's state fills in from notifications.
func fetchDetails(api *tiwiapi.Live, devices []tiwiapi.Device) map[string]*tiwiapi.DeviceDetail {
	concurrency := viper.GetInt("ryobi.fetch-concurrency")
	if concurrency < 1 {
		concurrency = 1
	}

	limit := limiter.NewConcurrencyLimiter(concurrency)
	var mu sync.Mutex
	details := make(map[string]*tiwiapi.DeviceDetail)

	for _, d := range devices {
		d := d
		limit.ExecuteWithTicket(func(ticket int) {
			detail, err := api.GetDevice(d.ID)
			if err != nil {
				logging.Logger(nil).WithError(err).Errorf("fetching detail for %s", d.ID)
				return
			}

			mu.Lock()
			details[d.ID] = detail
			mu.Unlock()
		})
	}
	limit.Wait()

	return details
}

func newAPIClient() *tiwiapi.Live {
	api := tiwiapi.NewLiveClient(
		viper.GetString("ryobi.username"),
		viper.GetString("ryobi.password"),
	)

	if d := viper.GetDuration("ryobi.api-timeout"); d > 0 {
		api = api.WithTimeout(d)
	}
	if endpoint := viper.GetString("ryobi.endpoint"); endpoint != "" {
		api = api.WithEndpoint(endpoint)
	}

	return api
}

func newRealtime(session *tiwiapi.Session) *tiwiapi.Realtime {
	rt := tiwiapi.NewRealtime(session)
	if endpoint := viper.GetString("ryobi.socket-endpoint"); endpoint != "" {
		rt = rt.WithEndpoint(endpoint)
	}

	return rt
}
