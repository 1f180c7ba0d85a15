// autocast.go - Autocast-Kontext fuer Aktivierungen
//
// Dieses Modul enthaelt:
// - Autocast: Geraet und Zielpraezision eines Autocast-Bereichs
// - WithAutocast / AutocastFrom: Transport ueber context.Context
// - Autocaster: Schnittstelle zum Betreten eines Autocast-Bereichs
package ml

import (
	"context"
	"log/slog"
)

// Autocast beschreibt einen aktiven Autocast-Bereich
type Autocast struct {
	Device Device
	DType  DType
}

type autocastKey struct{}

// WithAutocast gibt einen Kontext zurueck, in dem Aktivierungen in dtype gerechnet werden
func WithAutocast(ctx context.Context, device Device, dtype DType) context.Context {
	return context.WithValue(ctx, autocastKey{}, Autocast{Device: device, DType: dtype})
}

// AutocastFrom liefert den aktiven Autocast-Bereich, falls vorhanden
func AutocastFrom(ctx context.Context) (Autocast, bool) {
	ac, ok := ctx.Value(autocastKey{}).(Autocast)
	return ac, ok
}

// Autocaster betritt einen Autocast-Bereich. Die zurueckgegebene Funktion
// verlaesst ihn wieder.
type Autocaster interface {
	Enter(ctx context.Context, device Device, dtype DType) (context.Context, func())
}

// ContextAutocaster ist der Standard-Autocaster: der Zustand reist im Kontext
// zum Compute-Backend.
type ContextAutocaster struct{}

func (ContextAutocaster) Enter(ctx context.Context, device Device, dtype DType) (context.Context, func()) {
	slog.Debug("entering autocast", "device", device, "dtype", dtype)
	return WithAutocast(ctx, device, dtype), func() {}
}
