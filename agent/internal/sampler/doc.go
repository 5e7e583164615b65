// Package sampler produces the metric tree carried by each snapshot.
//
// Two samplers are available, selected by sampler.type:
//
//   - runtime: the agent's own process and host. Go runtime figures land
//     under app.* and host figures from /proc under cpu.*, memory.* and
//     process.*. Host figures are omitted where /proc is unavailable.
//   - prometheus: scrapes a Prometheus text endpoint and places the sum of
//     each mapped metric family at its dotted path. Counter families can be
//     reported as per-second rates, and https endpoints also report the days
//     left on their certificate at tls.certDaysLeft.
//
// A family missing from a scrape leaves its path absent from the tree, which
// the server treats as "no reading" rather than zero.
package sampler
