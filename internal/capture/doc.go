// Package capture turns tab audio arriving on the capture feed into
// per-session streams. A coordinator issues a one-shot Handle for a tab and
// the audio processor redeems it with Open to receive that tab's blocks.
package capture
