package usecase

import (
	"context"
	"fmt"

	"MetaCore/internal/domain/models"
	domrepo "MetaCore/internal/domain/repository"
)

type PricesUseCase struct {
	store domrepo.PriceStore
}

func NewPricesUseCase(store domrepo.PriceStore) *PricesUseCase {
	return &PricesUseCase{store: store}
}

// GetLastPrice prefers the newest raw tick and falls back to the last 1m close.
// A nil result means the symbol has no data.
func (uc *PricesUseCase) GetLastPrice(ctx context.Context, symbol string) (*models.LastPrice, error) {
	if symbol == "" {
		return nil, ErrSymbolRequired
	}

	tick, err := uc.store.LastTick(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("last tick: %w", err)
	}
	if tick != nil {
		return &models.LastPrice{Value: tick.Price, Timestamp: tick.Timestamp, Volume: tick.Volume}, nil
	}

	closeTick, err := uc.store.LastClose(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("last close: %w", err)
	}
	if closeTick == nil {
		return nil, nil
	}
	return &models.LastPrice{Value: closeTick.Price, Timestamp: closeTick.Timestamp}, nil
}
