package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/infuse-iot/gateway/pkg/audit"
	"github.com/infuse-iot/gateway/pkg/bus"
	"github.com/infuse-iot/gateway/pkg/config"
	"github.com/infuse-iot/gateway/pkg/gateway"
	"github.com/infuse-iot/gateway/pkg/registry"
	"github.com/infuse-iot/gateway/pkg/transport"
	"github.com/infuse-iot/gateway/pkg/util"
)

func newRunCmd() *cobra.Command {
	var serialPort string
	var rttDevice string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the gateway service",
		Long: `Start the gateway service: open the configured transport, join the
IPC bus, and route ePackets until interrupted.

  infuse-gateway run
  infuse-gateway run --serial /dev/ttyACM0
  infuse-gateway run --rtt NRF9160_SICA`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if serialPort != "" {
				cfg.Gateway.Transport = "serial"
				cfg.Gateway.SerialPort = serialPort
			}
			if rttDevice != "" {
				cfg.Gateway.Transport = "rtt"
				cfg.Gateway.RTTDevice = rttDevice
			}

			t, err := openTransport(cfg)
			if err != nil {
				return err
			}
			defer t.Close()

			reg, closeReg, err := buildRegistry(cfg)
			if err != nil {
				return err
			}
			defer closeReg()

			srv, err := bus.NewServer(cfg.Gateway.Bus.MulticastAddr)
			if err != nil {
				return err
			}
			defer srv.Close()

			var opts []gateway.Option
			if fetcher := newCloudFetcher(cfg); fetcher != nil {
				opts = append(opts, gateway.WithSharedSecretFetcher(fetcher))
			}
			if cfg.Audit.Path != "" {
				auditLog, err := audit.NewFileLogger(cfg.Audit.Path, audit.RotationConfig{
					MaxSize:    int64(cfg.Audit.MaxSizeMB) * 1024 * 1024,
					MaxBackups: cfg.Audit.MaxBackups,
				})
				if err != nil {
					return err
				}
				defer auditLog.Close()
				opts = append(opts, gateway.WithAuditLogger(auditLog))
			}

			svc := gateway.New(t, reg, srv, opts...)

			// Ask the device to identify itself so the gateway address is
			// known before the first client request arrives.
			if err := t.Ping(); err != nil {
				return fmt.Errorf("pinging transport: %w", err)
			}

			svc.Start()
			util.WithField("bus", cfg.Gateway.Bus.MulticastAddr).Info("gateway running")

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig

			util.Logger.Info("shutting down")
			svc.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&serialPort, "serial", "", "serial port device (overrides config)")
	cmd.Flags().StringVar(&rttDevice, "rtt", "", "RTT target device name (overrides config)")
	return cmd
}

func openTransport(cfg *config.Config) (transport.Transport, error) {
	switch cfg.Gateway.Transport {
	case "serial", "":
		if cfg.Gateway.SerialPort == "" {
			return nil, fmt.Errorf("no serial port configured (set gateway.serial_port or pass --serial)")
		}
		return transport.OpenSerial(cfg.Gateway.SerialPort, cfg.Gateway.SerialBaud)
	case "rtt":
		iface := cfg.Gateway.RTTInterface
		if iface == "" {
			iface = "SWD"
		}
		return transport.OpenRTT(transport.RTTOptions{
			Device:     cfg.Gateway.RTTDevice,
			Interface:  iface,
			ModemTrace: cfg.Gateway.ModemTrace,
		})
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Gateway.Transport)
	}
}

func buildRegistry(cfg *config.Config) (*registry.Registry, func(), error) {
	opts, err := cfg.RegistryOptions()
	if err != nil {
		return nil, nil, err
	}

	closeReg := func() {}
	if cfg.Redis.Addr != "" {
		snap := registry.NewRedisSnapshotter(cfg.Redis.Addr, cfg.Redis.DB)
		opts = append(opts, registry.WithSnapshotter(snap))
		closeReg = func() { snap.Close() }
	}
	return registry.New(opts...), closeReg, nil
}
