//go:build magick

package main

import _ "compositor/internal/raster/magick"
