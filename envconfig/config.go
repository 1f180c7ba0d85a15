// config.go - Haupt-Konfigurationsfunktionen fuer fluxmod
//
// Dieses Modul enthaelt:
// - Host: Gibt Scheme und Host zurueck (FLUXMOD_HOST)
// - AllowedOrigins: Gibt erlaubte Origins zurueck (FLUXMOD_ORIGINS)
// - Models: Gibt das Model-Verzeichnis zurueck (FLUXMOD_MODELS)
// - Checkpoints / UnetGGUF: Ordner fuer Checkpoints (FLUXMOD_CHECKPOINTS, FLUXMOD_UNET_GGUF)
// - Conditioning / Output: Text-Embeddings und Ausgaben (FLUXMOD_CONDITIONING, FLUXMOD_OUTPUT)
// - LogLevel: Gibt Log-Level zurueck (FLUXMOD_DEBUG)
//
// Weitere Konfigurationen sind ausgelagert:
// - config_features.go: Feature-Flags und Geraete-Variablen
// - config_utils.go: Utility-Funktionen und AsMap/Values
package envconfig

import (
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Host liest FLUXMOD_HOST ([scheme://]host[:port][/path]).
// Ohne Angaben gilt http://127.0.0.1:8188, fehlt nur der Port, gilt der
// Standardport des Schemes.
func Host() *url.URL {
	u := &url.URL{Scheme: "http"}
	port := "8188"

	rest := strings.TrimSpace(Var("FLUXMOD_HOST"))
	if scheme, after, ok := strings.Cut(rest, "://"); ok {
		u.Scheme, rest = scheme, after
		port = map[string]string{"http": "80", "https": "443"}[scheme]
		if port == "" {
			port = "8188"
		}
	}

	rest, u.Path, _ = strings.Cut(rest, "/")

	host, p, err := net.SplitHostPort(rest)
	switch {
	case err == nil:
		if n, err := strconv.ParseUint(p, 10, 16); err == nil && n <= 65535 {
			port = p
		} else {
			slog.Warn("invalid port, using default", "port", p, "default", port)
		}
	case rest == "":
		host = "127.0.0.1"
	default:
		host = strings.Trim(rest, "[]")
		if ip := net.ParseIP(host); ip != nil {
			host = ip.String()
		}
	}

	u.Host = net.JoinHostPort(host, port)
	return u
}

// AllowedOrigins liest FLUXMOD_ORIGINS (komma-separiert) und ergaenzt die
// lokalen Origins mit und ohne Port
func AllowedOrigins() []string {
	var origins []string
	if s := Var("FLUXMOD_ORIGINS"); s != "" {
		origins = strings.Split(s, ",")
	}

	for _, h := range []string{"localhost", "127.0.0.1", "0.0.0.0"} {
		for _, scheme := range []string{"http", "https"} {
			origins = append(origins, scheme+"://"+h, scheme+"://"+net.JoinHostPort(h, "*"))
		}
	}
	return append(origins, "app://*", "file://*")
}

// Models gibt das Model-Verzeichnis zurueck
// Konfigurierbar via FLUXMOD_MODELS
// Default: $HOME/.fluxmod/models
func Models() string {
	if s := Var("FLUXMOD_MODELS"); s != "" {
		return s
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}

	return filepath.Join(home, ".fluxmod", "models")
}

// paths teilt eine Pfadliste (os.PathListSeparator) oder faellt auf
// Models()/name zurueck
func paths(key, name string) []string {
	if s := Var(key); s != "" {
		return filepath.SplitList(s)
	}
	return []string{filepath.Join(Models(), name)}
}

// Checkpoints gibt die Verzeichnisse des Ordners "checkpoints" zurueck
// Konfigurierbar via FLUXMOD_CHECKPOINTS
func Checkpoints() []string {
	return paths("FLUXMOD_CHECKPOINTS", "checkpoints")
}

// UnetGGUF gibt die Verzeichnisse des Ordners "unet_gguf" zurueck
// Konfigurierbar via FLUXMOD_UNET_GGUF
func UnetGGUF() []string {
	return paths("FLUXMOD_UNET_GGUF", "unet_gguf")
}

// Conditioning gibt die Verzeichnisse des Ordners "conditioning" zurueck
// Konfigurierbar via FLUXMOD_CONDITIONING
func Conditioning() []string {
	return paths("FLUXMOD_CONDITIONING", "conditioning")
}

// Output gibt das Ausgabe-Verzeichnis zurueck
// Konfigurierbar via FLUXMOD_OUTPUT
// Default: $FLUXMOD_MODELS/../output
func Output() string {
	if s := Var("FLUXMOD_OUTPUT"); s != "" {
		return s
	}
	return filepath.Join(filepath.Dir(Models()), "output")
}

// LogLevel gibt das Log-Level zurueck
// Konfigurierbar via FLUXMOD_DEBUG
// Werte: 0/false = INFO (Default), 1/true = DEBUG, 2 = TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("FLUXMOD_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// Var gibt eine Environment-Variable zurueck
// Entfernt fuehrende/trailing Quotes und Leerzeichen
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
