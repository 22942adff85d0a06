/*
Package shell runs a command with its standard streams connected to OS pipes and turns its output into an
ordered stream of events.

A Shell holds a validated command and the base environment its sessions inherit. Shell.Start spawns one Session
per client. The Session's stdout and stderr are each read by their own goroutine into a queue of one event,
so neither reader gets ahead of the consumer. Session.Next interleaves them in arrival order, reports each
channel's end, and finally reports the exit code. Session.Close terminates the process, escalating to a kill
after the terminate timeout, and releases the pipes. It runs once no matter how often it is called.
*/
package shell
