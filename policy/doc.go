// Package policy builds, verifies and replaces sharding policies.
//
// A policy wraps a long-lived master keypair under an intermediate keypair
// whose private key is split among the shard holders. Replacing a policy
// rotates only the intermediate key: the master private key is decrypted
// with the recovered old intermediate key and wrapped again under the new
// one, and the old intermediate key signs the new intermediate public key so
// every policy chains back to the first.
//
// Shard holders are the confirmed external approvers. The owner holds a
// shard only while fewer external approvers than the threshold exist:
//
//	owner only      threshold 1, shards: owner
//	owner + 1       threshold 2, shards: owner, approver
//	owner + 2       threshold 2, shards: both approvers
package policy
