package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

var probeAddr string

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Query the gRPC health service of a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		conn, err := grpc.NewClient(probeAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fmt.Errorf("connect to %s: %w", probeAddr, err)
		}
		defer conn.Close()

		start := time.Now()
		resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{})
		if err != nil {
			return fmt.Errorf("health check: %w", err)
		}
		logger.WithFields(logrus.Fields{
			"server":  probeAddr,
			"status":  resp.GetStatus().String(),
			"latency": time.Since(start).String(),
		}).Info("Health check answered")

		if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
			return fmt.Errorf("server %s is %s", probeAddr, resp.GetStatus())
		}
		fmt.Println("SERVING")
		return nil
	},
}

func init() {
	probeCmd.Flags().StringVar(&probeAddr, "addr", "localhost:50051", "gRPC server address")
}
