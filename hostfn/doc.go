// Package hostfn is the privileged surface components reach through the host.
//
// Every wrapper performs exactly one capability.Require against the component
// carried by its context before touching the filesystem, the network, the
// key-value store or another component:
//
//	Filesystem.Read    read    on the path
//	Filesystem.Write   write   on the path
//	Filesystem.Delete  delete  on the path
//	Filesystem.List    list    on the directory
//	Network.Connect    connect on host:port
//	Network.Send       send    on host:port
//	Storage.Get        read    on ns:key
//	Storage.Set        write   on ns:key
//	Storage.Delete     delete  on ns:key
//	Storage.List       list    on ns:*
//	Messaging.Send     send    on component:<target>
//
// Host.Functions exposes the same wrappers to guests as the wazero host module
// "host". Arguments arrive as (ptr, len) pairs and every function returns an
// i64: a packed ptr<<32|len result on success, or a negative Status.
package hostfn
