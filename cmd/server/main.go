// Command server runs the DICOM ingestion pipeline: the Event Dispatcher on
// the push endpoint, the Admin Query Layer / DLQ Remediation on the admin
// HTTP surface, and the WS Multiplex Layer proxying onto both over
// loopback (spec §2, §6).
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/server"
	"go.chromium.org/luci/server/module"
	"go.chromium.org/luci/server/router"

	"infra/dcmingest/internal/adminapi"
	"infra/dcmingest/internal/config"
	"infra/dcmingest/internal/dicomio"
	"infra/dcmingest/internal/embedding"
	"infra/dcmingest/internal/gcsstore"
	"infra/dcmingest/internal/ingestion"
	"infra/dcmingest/internal/warehouse"
	"infra/dcmingest/internal/ws"
)

func main() {
	var modules []module.Module
	server.Main(nil, modules, func(srv *server.Server) error {
		cfg, err := config.Load()
		if err != nil {
			return errors.Annotate(err, "loading configuration").Err()
		}
		logging.Infof(srv.Context, "resolved configuration for project %s", cfg.GCPConfig.ProjectID)

		store, err := gcsstore.New(srv.Context)
		if err != nil {
			return errors.Annotate(err, "constructing object-store client").Err()
		}

		wh, err := warehouse.New(srv.Context, cfg.GCPConfig.ProjectID, cfg.BigQuery.DatasetID, cfg.BigQuery.InstancesTableID)
		if err != nil {
			return errors.Annotate(err, "constructing warehouse client").Err()
		}
		inserter := warehouse.NewInserter(wh.Table(), 500)

		dlqWh, err := warehouse.New(srv.Context, cfg.GCPConfig.ProjectID, cfg.BigQuery.DatasetID, cfg.BigQuery.DLQTableID)
		if err != nil {
			return errors.Annotate(err, "constructing DLQ warehouse client").Err()
		}

		var embClient *embedding.Client
		if cfg.Embedding.Input.Vector.Model != "" {
			embClient = embedding.New(embedding.Config{
				Model:       cfg.Embedding.Input.Vector.Model,
				MaxAttempts: cfg.EmbeddingRetry.MaxRetries,
				BaseDelay:   cfg.EmbeddingRetry.BaseDelay(),
			}, http.DefaultClient)
		}
		summarizer := embedding.NewSummarizer(embedding.SummarizeConfig{
			Model:       cfg.Embedding.Input.SummarizeText.Model,
			MaxLength:   cfg.Embedding.Input.SummarizeText.MaxLength,
			MaxAttempts: cfg.SummarizeRetry.MaxRetries,
			BaseDelay:   cfg.SummarizeRetry.BaseDelay(),
		}, http.DefaultClient)

		processor := &ingestion.DicomProcessor{
			DicomOptions:    dicomio.Options{UseCommonNames: true},
			EmbeddingClient: embClient,
			Summarizer:      summarizer,
			Store:           store,
			ArtifactBucket:  cfg.Artifacts.Bucket,
			Inserter:        inserter,
		}

		stateMachine := &ingestion.StateMachine{Store: store, Processor: processor}
		dicomwebMachine := &ingestion.DicomwebStateMachine{
			Processor: processor,
			Downloader: func(ctx context.Context, path string) ([]byte, error) {
				return nil, errors.Reason("dicomweb downloader not configured for this deployment").Err()
			},
		}
		dispatcher := &ingestion.Dispatcher{ObjectStore: stateMachine, Dicomweb: dicomwebMachine}
		srv.Routes.POST("/push", router.NewMiddlewareChain(), dispatcher.HandlePush)

		instancesTableID := fmt.Sprintf("%s.%s.%s", cfg.GCPConfig.ProjectID, cfg.BigQuery.DatasetID, cfg.BigQuery.InstancesTableID)
		dlqTableID := fmt.Sprintf("%s.%s.%s", cfg.GCPConfig.ProjectID, cfg.BigQuery.DatasetID, cfg.BigQuery.DLQTableID)

		query := &adminapi.QueryLayer{Warehouse: wh, TableID: instancesTableID}
		remediator := adminapi.NewRemediator(store, dlqWh, dlqTableID)
		processRunner := &adminapi.ProcessRunner{Store: store, Query: query}

		handlers := &adminapi.Handlers{
			Query:          query,
			Remediator:     remediator,
			Store:          store,
			ArtifactBucket: cfg.Artifacts.Bucket,
			ProcessRunner:  processRunner,
		}
		handlers.RegisterRoutes(srv.Routes, router.NewMiddlewareChain())

		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return errors.Annotate(err, "generating WS correlation secret").Err()
		}
		hub := &ws.Hub{
			LoopbackAddr:  fmt.Sprintf("127.0.0.1:%d", cfg.WSPort),
			Secret:        secret,
			ProcessRunner: processRunner,
		}
		srv.Routes.GET("/ws", router.NewMiddlewareChain(), hub.HandleUpgrade)

		return nil
	})
}
