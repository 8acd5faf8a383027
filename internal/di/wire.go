//go:build wireinject
// +build wireinject

package di

import (
	"MetaCore/pkg/config"
	"MetaCore/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Ambient
		ProvideLogger,
		ProvideMetrics,

		// Infrastructure clients
		ProvideStore,
		ProvideRedis,
		ProvideKafkaRegistry,
		ProvideKafkaConn,
		ProvideConsumerOptions,

		// Repositories
		ProvideInstrumentRegistry,
		ProvideTickPublisher,
		ProvideResponseCache,

		// Feed side
		ProvidePipeline,
		ProvideFeedSession,
		ProvideTickIngestor,

		// Write path
		ProvideDeadLetterQueue,
		ProvideBatchFlusher,
		ProvideKafkaTicksHandler,
		ProvideResubscriber,

		// Read path
		ProvideCandlesUseCase,
		ProvidePricesUseCase,
		ProvideHTTPServer,

		ProvideResources,
		ProvideApp,
	)
	return nil, nil
}
