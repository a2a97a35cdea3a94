package main

import (
	"github.com/outofforest/proton"
	"github.com/outofforest/tether/wire"
)

//go:generate go run .
func main() {
	proton.Generate("../types.proton.go",
		proton.Message[wire.Description](),
		proton.Message[wire.UDPDescription](),
		proton.Message[wire.LogDescription](),
		proton.Message[wire.TapHello](),
		proton.Message[wire.TapRecord](),
	)
}
