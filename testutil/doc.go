/*
Package testutil provides helpers shared by the package tests.

# Ports

Sessions bind real TCP ports for the protocol connection and for every party's
evaluation endpoint. FreePort and FreePorts reserve ports that were free at the
time of the call:

	ports := testutil.FreePorts(t, 3)
	hostAddr := testutil.Loopback(ports[0])

# Evaluators

StaticEvaluator stands in for the computation engine when a test only cares
about coordination. It returns a fixed result or error, optionally after a
delay, and records every input:

	eval := &testutil.StaticEvaluator{Result: &engine.Result{WinnerPartyID: 2, FinalPrice: 10}}

# Listeners

HostRecorder implements the host listener and exposes the session outcome on a
channel. Await fails the test if no outcome arrives in time.
*/
package testutil
