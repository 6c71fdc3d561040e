// Command exporter exposes sandbox container metadata as Prometheus
// metrics. It runs next to the worker on each execution host and lets
// dashboards join job metrics against the live container set.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// sandboxLabel is set by the worker runtime on every sandbox container.
const sandboxLabel = "exec-engine.sandbox"

var sandboxMeta = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "sandbox_container_info",
		Help: "Metadata of sandbox containers on this host",
	},
	[]string{"id", "name", "image", "state", "full_id"},
)

func init() {
	prometheus.MustRegister(sandboxMeta)
}

func collectMetrics() {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		log.Printf("docker client error: %v", err)
		return
	}
	defer cli.Close()

	containers, err := cli.ContainerList(context.Background(), container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", sandboxLabel+"=true")),
	})
	if err != nil {
		log.Printf("container list error: %v", err)
		return
	}

	sandboxMeta.Reset()
	for _, c := range containers {
		fullID := c.ID
		shortID := fullID
		if len(fullID) > 12 {
			shortID = fullID[:12]
		}
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		sandboxMeta.WithLabelValues(shortID, name, c.Image, c.State, fullID).Set(1)
	}
}

func main() {
	go func() {
		for {
			collectMetrics()
			time.Sleep(15 * time.Second)
		}
	}()

	http.Handle("/metrics", promhttp.Handler())
	fmt.Println("Starting sandbox exporter on :8000")
	log.Fatal(http.ListenAndServe(":8000", nil))
}
