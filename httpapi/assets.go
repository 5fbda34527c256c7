package httpapi

import (
	"embed"
	"io/fs"
)

// Web console files served at /assets/ and /.
//
//go:embed assets/*
var consoleAssets embed.FS

var assetsFS fs.FS

func init() {
	sub, err := fs.Sub(consoleAssets, "assets")
	if err != nil {
		assetsFS = consoleAssets
		return
	}
	assetsFS = sub
}
