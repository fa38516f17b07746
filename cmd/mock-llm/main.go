// Package main implements a mock LLM server for running simflow offline.
// It serves OpenAI-compatible /v1/chat/completions responses, routing by the
// "Stage: <name>" line stage agents put in their user prompt. Point a model
// registry endpoint (provider "ollama" or "openai") at it and run simflow
// with agents.mode=llm.
//
// Usage:
//
//	mock-llm --fixtures ./fixtures --port 11434 --confidence 0.9
//
// Fixture files are JSON named by stage ("mesh.json"). The file content is
// returned as the assistant message. "default.json" answers stages without
// their own fixture. With no fixture at all the server synthesizes a reply
// carrying --confidence.
//
// Sequential fixtures: if numbered files exist ("mesh.1.json",
// "mesh.2.json"), the Nth call for that stage returns the Nth fixture. After
// they run out the base "mesh.json" repeats, or the last numbered one when
// there is no base. This drives low-confidence retries and rework loops.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		fixtureDir string
		port       int
		confidence float64
		debug      bool
	)

	cmd := &cobra.Command{
		Use:          "mock-llm",
		Short:        "OpenAI-compatible mock model for simflow stage agents",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if debug {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			if fixtureDir == "" {
				fixtureDir = os.Getenv("MOCK_LLM_FIXTURES")
			}
			if confidence < 0 || confidence > 1 {
				return fmt.Errorf("confidence must be between 0 and 1")
			}

			fixtures, err := loadFixtures(fixtureDir)
			if err != nil {
				return fmt.Errorf("load fixtures from %s: %w", fixtureDir, err)
			}
			stages := make([]string, 0, len(fixtures))
			for stage, seq := range fixtures {
				stages = append(stages, fmt.Sprintf("%s(%d)", stage, len(seq)))
			}
			sort.Strings(stages)
			logger.Info("Loaded fixtures", "dir", fixtureDir, "stages", stages)

			s := newServer(fixtures, confidence, logger)
			addr := fmt.Sprintf(":%d", port)
			logger.Info("Mock LLM server listening", "addr", addr)
			if err := s.routes().Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&fixtureDir, "fixtures", "", "Directory of fixture reply files (env MOCK_LLM_FIXTURES)")
	cmd.Flags().IntVar(&port, "port", 11434, "Port to listen on")
	cmd.Flags().Float64Var(&confidence, "confidence", 0.9, "confidence_score of synthesized replies")
	cmd.Flags().BoolVar(&debug, "debug", false, "Log every request")
	return cmd
}
