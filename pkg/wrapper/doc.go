// Package wrapper is documented at the top of wrapper.go; prober.go and
// probes.go hold the preflight check implementations it runs before
// starting the workload.
package wrapper
