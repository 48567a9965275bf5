package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	etcd "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tempestkv/tempest-coordinator/contrib/etcdreplog"
	"github.com/tempestkv/tempest-coordinator/contrib/goreplog"
	"github.com/tempestkv/tempest-coordinator/coordinator"
	"github.com/tempestkv/tempest-coordinator/pkg/webapi"
	"github.com/tempestkv/tempest-coordinator/utils/selfsignedcert"
)

var rootCmd = &cobra.Command{
	Use:   "tempest-coordinator",
	Short: "The cluster coordinator for tempest",

	Run: func(cmd *cobra.Command, args []string) {
		startCoordinator()
	},
}

var cfgFile string
var watchCfgFile bool

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "specifies a config file to load")
	rootCmd.Flags().BoolVar(&watchCfgFile, "watch-config", false, "indicates whether to watch the config file for changes")

	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "info", "the log level to run at")
	configFlags.String("bind-address", "0.0.0.0", "the local address to bind to")
	configFlags.Int("grpc-port", 18070, "the grpc port")
	configFlags.Int("web-port", 9092, "the web metrics/health port")
	configFlags.String("etcd-endpoints", "", "comma-separated etcd endpoints backing the replicated log (empty runs an in-process log)")
	configFlags.String("etcd-prefix", "/tempest/coordinator/log", "the etcd key prefix for the replicated log")
	configFlags.Int("replication-group-size", 3, "the number of backups per replication group")
	configFlags.Bool("publish-on-recover-enlisted", false, "re-publish cluster updates when replaying completed enlistments")
	configFlags.Bool("self-sign", false, "serve grpc with a generated self-signed certificate")
	configFlags.String("otlp-endpoint", "", "opentelemetry endpoint to send telemetry to")
	configFlags.Bool("disable-otlp-traces", false, "disable sending traces to otlp")
	configFlags.Bool("disable-otlp-metrics", false, "disable sending metrics to otlp")
	rootCmd.Flags().AddFlagSet(configFlags)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("tpc")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)
}

func initTelemetry(
	ctx context.Context,
	logger *zap.Logger,
	otlpEndpoint string,
	enableTraces bool,
	enableMetrics bool,
) (
	*sdktrace.TracerProvider,
	*sdkmetric.MeterProvider,
	error,
) {
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("tempest-coordinator"),
		),
	)
	if err != nil {
		if res == nil {
			return nil, nil, err
		}

		logger.Warn("failed to setup some part of opentelemetry resource", zap.Error(err))
	}

	promExp, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	var meterProvider *sdkmetric.MeterProvider
	if !enableMetrics || otlpEndpoint == "" {
		meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(promExp),
		)
	} else {
		metricExp, err := otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithInsecure(),
			otlpmetricgrpc.WithEndpoint(otlpEndpoint))
		if err != nil {
			return nil, nil, err
		}

		meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(promExp),
			sdkmetric.WithReader(
				sdkmetric.NewPeriodicReader(
					metricExp,
				),
			),
		)
	}

	var tracerProvider *sdktrace.TracerProvider
	if enableTraces && otlpEndpoint != "" {
		traceClient := otlptracegrpc.NewClient(
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(otlpEndpoint))
		traceExp, err := otlptrace.New(ctx, traceClient)
		if err != nil {
			return nil, nil, err
		}

		bsp := sdktrace.NewBatchSpanProcessor(traceExp)
		tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.NeverSample())),
			sdktrace.WithResource(res),
			sdktrace.WithSpanProcessor(bsp),
		)
	}

	return tracerProvider, meterProvider, nil
}

func getLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(logConfig)
	core := zapcore.NewTee(
		zapcore.NewCore(jsonEncoder, zapcore.AddSync(os.Stdout), logLevel),
	)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logLevel, logger
}

type config struct {
	logLevelStr              string
	bindAddress              string
	grpcPort                 int
	webPort                  int
	etcdEndpoints            string
	etcdPrefix               string
	replicationGroupSize     int
	publishOnRecoverEnlisted bool
	selfSign                 bool
	otlpEndpoint             string
	disableOtlpTraces        bool
	disableOtlpMetrics       bool
}

func readConfig(logger *zap.Logger) *config {
	config := &config{
		logLevelStr:              viper.GetString("log-level"),
		bindAddress:              viper.GetString("bind-address"),
		grpcPort:                 viper.GetInt("grpc-port"),
		webPort:                  viper.GetInt("web-port"),
		etcdEndpoints:            viper.GetString("etcd-endpoints"),
		etcdPrefix:               viper.GetString("etcd-prefix"),
		replicationGroupSize:     viper.GetInt("replication-group-size"),
		publishOnRecoverEnlisted: viper.GetBool("publish-on-recover-enlisted"),
		selfSign:                 viper.GetBool("self-sign"),
		otlpEndpoint:             viper.GetString("otlp-endpoint"),
		disableOtlpTraces:        viper.GetBool("disable-otlp-traces"),
		disableOtlpMetrics:       viper.GetBool("disable-otlp-metrics"),
	}

	logger.Info("parsed coordinator configuration",
		zap.String("logLevelStr", config.logLevelStr),
		zap.String("bindAddress", config.bindAddress),
		zap.Int("grpcPort", config.grpcPort),
		zap.Int("webPort", config.webPort),
		zap.String("etcdEndpoints", config.etcdEndpoints),
		zap.String("etcdPrefix", config.etcdPrefix),
		zap.Int("replicationGroupSize", config.replicationGroupSize),
		zap.Bool("publishOnRecoverEnlisted", config.publishOnRecoverEnlisted),
		zap.Bool("selfSign", config.selfSign),
		zap.String("otlpEndpoint", config.otlpEndpoint),
		zap.Bool("disableOtlpTraces", config.disableOtlpTraces),
		zap.Bool("disableOtlpMetrics", config.disableOtlpMetrics))

	return config
}

// openReplicatedLog connects to etcd and wraps it as the coordinator's
// replicated log; transient connection errors at boot are retried with
// exponential backoff. With no endpoints configured we fall back to an
// in-process log, which is only suitable for single-node development.
func openReplicatedLog(ctx context.Context, logger *zap.Logger, config *config) (goreplog.Log, error) {
	if config.etcdEndpoints == "" {
		logger.Warn("no etcd endpoints configured; using a non-durable in-process log")
		return goreplog.NewInProcLog(), nil
	}

	endpoints := strings.Split(config.etcdEndpoints, ",")

	var etcdClient *etcd.Client
	connect := func() error {
		client, err := etcd.New(etcd.Config{
			Endpoints:   endpoints,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return err
		}

		probeCtx, probeCancel := context.WithTimeout(ctx, 5*time.Second)
		_, err = client.Get(probeCtx, config.etcdPrefix)
		probeCancel()
		if err != nil {
			_ = client.Close()
			return err
		}

		etcdClient = client
		return nil
	}

	ebo := backoff.NewExponentialBackOff()
	ebo.MaxElapsedTime = 2 * time.Minute
	bo := backoff.WithContext(ebo, ctx)
	err := backoff.RetryNotify(connect, bo, func(err error, next time.Duration) {
		logger.Warn("failed to connect to etcd, retrying",
			zap.Error(err),
			zap.Duration("nextAttemptIn", next))
	})
	if err != nil {
		return nil, err
	}

	return etcdreplog.NewLog(etcdreplog.LogOptions{
		EtcdClient: etcdClient,
		KeyPrefix:  config.etcdPrefix,
	})
}

func startCoordinator() {
	logLevel, logger := getLogger()

	instanceID := uuid.NewString()
	logger.Info("starting tempest-coordinator", zap.String("instanceID", instanceID))

	logger.Info("parsed launch configuration",
		zap.String("config", cfgFile),
		zap.Bool("watch-config", watchCfgFile))

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		err := viper.ReadInConfig()
		if err != nil {
			logger.Panic("failed to load specified config file", zap.Error(err))
		}
	}

	config := readConfig(logger)

	applyLogLevel := func(levelStr string) {
		parsedLogLevel, err := zapcore.ParseLevel(levelStr)
		if err != nil {
			logger.Warn("invalid log level specified, using INFO instead")
			parsedLogLevel = zapcore.InfoLevel
		}
		logLevel.SetLevel(parsedLogLevel)
	}
	applyLogLevel(config.logLevelStr)

	if watchCfgFile && cfgFile != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			logger.Error("failed to create config file watcher", zap.Error(err))
			os.Exit(1)
		}

		err = watcher.Add(cfgFile)
		if err != nil {
			logger.Error("failed to watch config file", zap.Error(err))
			os.Exit(1)
		}

		go func() {
			for event := range watcher.Events {
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}

				logger.Info("config file changed, re-reading")
				if err := viper.ReadInConfig(); err != nil {
					logger.Warn("failed to re-read config file", zap.Error(err))
					continue
				}

				applyLogLevel(viper.GetString("log-level"))
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otlpTracerProvider, otlpMeterProvider, err := initTelemetry(ctx,
		logger,
		config.otlpEndpoint,
		!config.disableOtlpTraces,
		!config.disableOtlpMetrics)
	if err != nil {
		logger.Error("failed to initialize opentelemetry", zap.Error(err))
		os.Exit(1)
	}

	if otlpTracerProvider != nil {
		otel.SetTracerProvider(otlpTracerProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{}))
	}
	if otlpMeterProvider != nil {
		otel.SetMeterProvider(otlpMeterProvider)
	}

	webListenAddress := fmt.Sprintf("%s:%v", config.bindAddress, config.webPort)
	webapi.InitializeWebServer(webapi.WebServerOptions{
		Logger:        logger,
		LogLevel:      &logLevel,
		ListenAddress: webListenAddress,
	})

	replog, err := openReplicatedLog(ctx, logger, config)
	if err != nil {
		logger.Error("failed to open the replicated log", zap.Error(err))
		os.Exit(1)
	}

	var serverTlsConfig *tls.Config
	if config.selfSign {
		generatedCert, err := selfsignedcert.GenerateCertificate()
		if err != nil {
			logger.Error("failed to generate a self-signed certificate", zap.Error(err))
			os.Exit(1)
		}

		serverTlsConfig = &tls.Config{
			Certificates: []tls.Certificate{*generatedCert},
		}
	}

	crd, err := coordinator.NewCoordinator(&coordinator.CoordinatorOptions{
		Logger:                   logger,
		BindAddress:              config.bindAddress,
		BindPort:                 config.grpcPort,
		Log:                      replog,
		ReplicationGroupSize:     config.replicationGroupSize,
		PublishOnRecoverEnlisted: config.publishOnRecoverEnlisted,
		ServerTlsConfig:          serverTlsConfig,
	})
	if err != nil {
		logger.Error("failed to initialize the coordinator", zap.Error(err))
		os.Exit(1)
	}

	err = crd.Recover(ctx)
	if err != nil {
		// Continuing without the durable state would let the coordinator
		// hand out server ids that conflict with the existing cluster.
		logger.Error("failed to recover membership from the replicated log", zap.Error(err))
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.Stringer("signal", sig))
		cancel()
	}()

	err = crd.Run(ctx)
	if err != nil {
		logger.Error("coordinator exited with error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("coordinator shut down cleanly")
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
