// Package relay implements the per-tab page relay. A relay keeps a local
// copy of its tab's playback state, turns page intents into coordinator
// commands, applies pushes from the coordinator and control panel, and
// queues notifications for the page to collect.
package relay
