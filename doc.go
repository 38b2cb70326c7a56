package durable

// Package durable implements a crash-recoverable saga orchestrator in Go.
//
// A saga coordinates a sequence of remote, individually non-transactional
// operations and guarantees that on any failure, every step that already
// succeeded is undone by an explicit compensating activity, in reverse order
// of execution. Progress is represented only as an append-only history of
// events, so a process restart resumes exactly where it left off without
// repeating recorded side effects.
//
// Overview
//
// 1. Define your activities as functions:
//    - Create a typed function for each forward step and each compensation.
//    - Use `NewActivityFunc` to package a function into an `Activity`.
// 2. Create a `Registry`:
//    - Use `NewRegistry` and add your activities with `Register`.
// 3. Describe the saga as a `Definition`:
//    - An ordered list of `Step`s, each pairing an activity with the
//      compensation that undoes it.
// 4. Run your saga:
//    - Pick a `HistoryStore`. `NewMemoryHistoryStore` suits tests;
//      `NewFileHistoryStore` and `OpenSQLiteHistoryStore` persist histories.
//    - Create an `Invoker` over the registry and a `Supervisor` over the
//      definition, store and invoker.
//    - `Start` new instances, `Resume`/`ResumeAll` recovered ones, and
//      observe them via `Status`, `Result` and `Wait`.
//
// The decision core is the pure function `Decide`: it folds an instance's
// history into the single next action and never touches the clock, random
// state, or I/O, which is what makes replay deterministic.
//
// For a complete saga built on this package, see the `transfer` package and
// the `cmd/transferd` daemon.
