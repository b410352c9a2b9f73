// Package transform defines the pitch/tempo transform engine contract and a
// registry of engine factories. The DSP itself lives outside this module;
// the bundled "bypass" engine pulls samples through unchanged.
package transform
