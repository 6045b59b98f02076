package main

import (
	"talus/boot"
	"talus/kernel/kmain"
)

// bootInfo is populated by platform glue (Limine request-block parsing,
// out of scope for this design per boot's own package doc) before control
// reaches main. It is a package-level var, rather than a literal argument,
// so the compiler can't inline the call away and drop the real kernel
// code from the generated object file.
var bootInfo *boot.Info

// main makes the one call from the rt0/loader entry path into the actual
// kernel. It is not expected to return; kmain.Kmain panics if it does.
func main() {
	kmain.Kmain(bootInfo)
}
