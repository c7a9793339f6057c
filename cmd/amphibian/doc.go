/*
Command amphibian runs the collective inference node.

Subcommands:

  - host: coordinator, session router, memory graph, and a stdin prompt
    loop; prints the pool share code on startup
  - join: connects this device to a hosted pool as a worker, executing
    inference chunks on the local engine
  - chat: one-shot local chat without a pool
  - version: build information (Version, BuildTime, GitCommit are
    injected via ldflags)

The host and join commands talk to an OpenAI-compatible engine endpoint
(ollama or llama.cpp) given by --engine-addr. Configuration is loaded
from defaults, an optional YAML file, then AMPHIBIAN_* environment
overrides.
*/
package main
