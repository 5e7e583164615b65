// Package alerting implements the threshold rule evaluation engine.
//
// Each Rule compares one numeric leaf of a snapshot's metric tree (addressed by
// a dotted path compiled into a types.Path) against a threshold using gt, lt,
// eq or ne. The Engine keeps one BreachState per rule and moves it through
//
//	OK --breach--> BREACHING --sustained--> FIRING
//	 ^                 |                      |
//	 +-----clear-------+----------clear-------+
//
// A rule fires once its breach has been continuously true for Sustain and at
// least Cooldown has passed since its previous fire. Firing resets the breach
// timer, so a rule that stays in breach fires again only after another full
// Sustain window. The evaluation that opens a breach never fires, even with a
// zero Sustain. Clearing from FIRING emits a resolved event; clearing from
// BREACHING is silent unless WithResolveOnOpenBreach is set.
//
// Rules are read through RuleSource on every evaluation. State is in-memory
// only and starts from OK after a restart.
package alerting
