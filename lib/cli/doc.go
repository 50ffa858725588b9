// Package cli holds the go-nan command tree.
//
//	go-nan serve      run brokers over simulated radios behind nancp servers
//	go-nan discover   publish or subscribe through a running broker
//	go-nan scenario   run a scripted scenario file
//	go-nan version    print the version
package cli
