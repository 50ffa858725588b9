// Package scenario runs scripted discovery scenarios against simulated
// radios.
//
// A scenario file declares devices sharing one medium and a list of steps.
// Every device runs its own StateManager over a hal.Radio; steps drive the
// managers the way API clients would and every listener callback is
// recorded in a transcript.
//
//	devices:
//	  - name: alice
//	  - name: bob
//	steps:
//	  - {action: connect, device: alice}
//	  - {action: config, device: alice}
//	  - {action: create_session, device: alice, session: 1}
//	  - action: publish
//	    device: alice
//	    session: 1
//	    publish: {service: chat}
//	  - {action: wait, device: bob, event: match, session: 1}
//
// Peers are assigned by the radio, so send_message with no peer targets the
// last peer the session heard from.
package scenario
