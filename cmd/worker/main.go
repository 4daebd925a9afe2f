// SPDX-License-Identifier: MIT

/*
Starts the reference worker: a websocket client that dials the coordinator's
/ws/worker endpoint, announces itself, reports synthetic GPU status, and
drives jobs through a Generator.

This binary exists so the dispatch system runs end to end without a real GPU
pipeline attached (out of scope); swap internal/generator.Placeholder for a
real implementation to put an actual mesh pipeline behind it.

For usage details, run worker with the command line flag -h or --help.
*/
package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshforge/dispatch/clog"
	"github.com/meshforge/dispatch/internal/generator"
)

var log = clog.New("worker")

// wire mirrors the bridge package's inbound/outbound envelope on the worker
// side of the same protocol (§6); kept independent of internal/bridge so the
// worker binary does not pull in the coordinator's storage/queue/audit stack.
type wire struct {
	Type string `json:"type"`

	Message string `json:"message,omitempty"`

	JobID         string         `json:"job_id,omitempty"`
	ImageFilename string         `json:"image_filename,omitempty"`
	ImageBase64   string         `json:"image_base64,omitempty"`
	Settings      map[string]any `json:"settings,omitempty"`
	Action        string         `json:"action,omitempty"`

	GPUName       string  `json:"gpu_name,omitempty"`
	VRAMTotalGB   float64 `json:"vram_total_gb,omitempty"`
	WorkerVersion string  `json:"worker_version,omitempty"`

	VRAMFreeGB     float64 `json:"vram_free_gb,omitempty"`
	VRAMUsedGB     float64 `json:"vram_used_gb,omitempty"`
	UtilizationPct float64 `json:"utilization_pct,omitempty"`
	TempC          float64 `json:"temp_c,omitempty"`
	Available      bool    `json:"available,omitempty"`
	ModelLoaded    bool    `json:"model_loaded,omitempty"`

	Step        string `json:"step,omitempty"`
	ProgressPct int    `json:"progress_pct,omitempty"`

	STLBase64       string         `json:"stl_base64,omitempty"`
	GLBBase64       string         `json:"glb_base64,omitempty"`
	VertexCount     int            `json:"vertex_count,omitempty"`
	FaceCount       int            `json:"face_count,omitempty"`
	IsWatertight    bool           `json:"is_watertight,omitempty"`
	GenerationTimeS float64        `json:"generation_time_s,omitempty"`
	GPUMetrics      map[string]any `json:"gpu_metrics,omitempty"`

	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

const (
	workerVersion       = "0.1.0-placeholder"
	gpuStatusInterval   = 30 * time.Second
	reconnectBackoffMin = 2 * time.Second
	reconnectBackoffMax = 30 * time.Second
)

func main() {
	var coordinatorURL, authToken string
	var help bool
	var logOutput bool

	flag.Usage = usage
	flag.StringVar(&coordinatorURL, "url", "ws://localhost:8000/ws/worker", "coordinator websocket URL")
	flag.StringVar(&authToken, "token", os.Getenv("WORKER_AUTH_TOKEN"), "worker bearer auth token")
	flag.BoolVar(&help, "h", false, "Show usage information")
	flag.BoolVar(&logOutput, "l", true, "Show logging output")
	flag.Parse()

	if help {
		usage()
		os.Exit(0)
	}
	if logOutput {
		clog.Enable()
	}
	defer clog.Sync()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	gen := generator.Placeholder{}
	backoff := reconnectBackoffMin

	for {
		select {
		case <-sigCh:
			log.Printf("terminating worker on signal")
			return
		default:
		}

		if err := runSession(coordinatorURL, authToken, gen, sigCh); err != nil {
			log.Errorf("worker session ended: %v", err)
		}

		log.Printf("reconnecting in %s", backoff)
		select {
		case <-time.After(backoff):
		case <-sigCh:
			return
		}
		backoff *= 2
		if backoff > reconnectBackoffMax {
			backoff = reconnectBackoffMax
		}
	}
}

func runSession(coordinatorURL, authToken string, gen generator.Generator, sigCh chan os.Signal) error {
	header := http.Header{}
	if authToken != "" {
		header.Set("Authorization", "Bearer "+authToken)
	}

	conn, _, err := websocket.DefaultDialer.Dial(coordinatorURL, header)
	if err != nil {
		return fmt.Errorf("dial coordinator: %w", err)
	}
	defer conn.Close()

	log.Printf("connected to %s", coordinatorURL)

	if err := conn.WriteJSON(wire{
		Type:          "worker_hello",
		GPUName:       "placeholder-cpu",
		VRAMTotalGB:   0,
		WorkerVersion: workerVersion,
	}); err != nil {
		return fmt.Errorf("send worker_hello: %w", err)
	}

	statusTicker := time.NewTicker(gpuStatusInterval)
	defer statusTicker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-statusTicker.C:
				if err := conn.WriteJSON(wire{
					Type: "gpu_status", Available: true, ModelLoaded: true,
					VRAMFreeGB: 0, VRAMUsedGB: 0, VRAMTotalGB: 0, UtilizationPct: 0, TempC: 0,
				}); err != nil {
					log.Errorf("send gpu_status: %v", err)
					return
				}
			case <-sigCh:
				_ = conn.WriteJSON(wire{Type: "worker_bye", Reason: "shutting down"})
				conn.Close()
				return
			}
		}
	}()

	for {
		var msg wire
		if err := conn.ReadJSON(&msg); err != nil {
			<-done
			return fmt.Errorf("read from coordinator: %w", err)
		}

		switch msg.Type {
		case "welcome":
			log.Printf("coordinator: %s", msg.Message)
		case "ping":
			_ = conn.WriteJSON(wire{Type: "pong"})
		case "command":
			log.Printf("received command %s for job %s", msg.Action, msg.JobID)
		case "job_assign":
			handleJobAssign(conn, gen, msg)
		default:
			log.Errorf("dropping unknown message type %q", msg.Type)
		}
	}
}

func handleJobAssign(conn *websocket.Conn, gen generator.Generator, msg wire) {
	log.Printf("assigned job %s", msg.JobID)

	image, err := base64.StdEncoding.DecodeString(msg.ImageBase64)
	if err != nil {
		_ = conn.WriteJSON(wire{Type: "job_failed", JobID: msg.JobID, Step: "decode", Error: err.Error()})
		return
	}

	_ = conn.WriteJSON(wire{Type: "job_progress", JobID: msg.JobID, Step: "preprocessing", ProgressPct: 5})

	out, err := gen.Generate(generator.Request{
		JobID: msg.JobID, Filename: msg.ImageFilename, Image: image, Settings: msg.Settings,
	})
	if err != nil {
		_ = conn.WriteJSON(wire{Type: "job_failed", JobID: msg.JobID, Step: "generation", Error: err.Error()})
		return
	}

	_ = conn.WriteJSON(wire{Type: "job_progress", JobID: msg.JobID, Step: "postprocessing", ProgressPct: 95})

	complete := wire{
		Type: "job_complete", JobID: msg.JobID,
		STLBase64:       base64.StdEncoding.EncodeToString(out.STL),
		VertexCount:     out.VertexCount,
		FaceCount:       out.FaceCount,
		IsWatertight:    out.IsWatertight,
		GenerationTimeS: out.GenerationTimeS,
		GPUMetrics:      out.GPUMetrics,
	}
	if out.GLB != nil {
		complete.GLBBase64 = base64.StdEncoding.EncodeToString(out.GLB)
	}
	if err := conn.WriteJSON(complete); err != nil {
		log.Errorf("send job_complete for %s: %v", msg.JobID, err)
	}
}

func usage() {
	fmt.Printf(`usage: worker [-h|--help] [-l=false] [-url wsURL] [-token authToken]

Starts the reference worker, driving mesh generation requests against a
placeholder CPU-only generator.

Flags:
`)
	flag.PrintDefaults()
}
