// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// codeloop serves coding-agent conversations to a client over a
// framed JSON-RPC style protocol.
//
// By default it listens on the unix socket named by server.socket_path
// and accepts any number of clients. With --stdio it serves exactly
// one client on stdin and stdout and exits when stdin closes; logs
// always go to stderr.
//
// Configuration comes from the file named by --config, else by
// $CODELOOP_CONFIG, else the built-in defaults. Providers are read
// from paths.providers_file and their credentials from the process
// environment and paths.env_file. SIGINT or SIGTERM cancels running
// turns, lets them record their outcome, and exits.
package main
