//go:build !(amd64 || arm64 || 386 || arm || riscv64 || loong64 || mipsle || mips64le || ppc64le || wasm)

package main

// The vc console bell hands float32 samples to oto as FormatFloat32LE by
// reinterpreting the sample slice, which assumes little-endian byte order.
var _ = "customuart requires a little-endian architecture" + 1
