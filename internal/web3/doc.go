// Package web3 holds the EVM chain definitions used to attach the engine to
// on-chain token contracts. Concrete clients live in the ethereum subpackage
// and are assembled per chain by the provider registry.
package web3
