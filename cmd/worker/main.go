package main

import (
	"log"
	"os"

	"github.com/ratchetd/ratchet/internal/worker"
)

// the worker speaks framed envelopes on stdin/stdout; stderr is reserved
// for diagnostics.
func main() {
	log.SetOutput(os.Stderr)
	log.SetPrefix("ratchet-worker ")

	root := os.Getenv("TASK_ROOT")

	w, err := worker.New(worker.Config{
		ID: os.Getenv("RATCHET_WORKER_ID"),
	}, worker.FileLoader{Root: root}, os.Stdin, os.Stdout)
	if err != nil {
		log.Printf("init failed: %v", err)
		os.Exit(1)
	}

	if err := w.Run(); err != nil {
		// unrecoverable transport state; the pool restarts us
		log.Printf("exiting: %v", err)
		os.Exit(1)
	}
}
