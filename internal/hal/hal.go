// Package hal describes the boundary to the switch hardware abstraction
// layer: a fixed catalogue of create/remove/set/get operations over typed
// attribute lists.
//
// Calls are synchronous. A create either returns a handle or fails with a
// *StatusError; nothing is left half-done by a single call.
package hal

import (
	"fmt"
	"net"
	"net/netip"
)

// OID is an opaque handle of a hardware object.
type OID uint64

// NullOID is never returned for a created object.
const NullOID OID = 0

func (m OID) String() string {
	return fmt.Sprintf("oid:0x%x", uint64(m))
}

// ObjectType enumerates hardware objects this control plane programs.
type ObjectType uint8

const (
	ObjectTypeNull ObjectType = iota
	ObjectTypeVirtualRouter
	ObjectTypeNextHop
	ObjectTypeNextHopGroup
	ObjectTypeNextHopGroupMember
	ObjectTypeRoute
)

func (m ObjectType) String() string {
	switch m {
	case ObjectTypeVirtualRouter:
		return "VIRTUAL_ROUTER"
	case ObjectTypeNextHop:
		return "NEXT_HOP"
	case ObjectTypeNextHopGroup:
		return "NEXT_HOP_GROUP"
	case ObjectTypeNextHopGroupMember:
		return "NEXT_HOP_GROUP_MEMBER"
	case ObjectTypeRoute:
		return "ROUTE"
	default:
		return "NULL"
	}
}

// AttrID identifies an attribute of some object type.
type AttrID uint16

const (
	AttrVirtualRouterAdminV4 AttrID = iota + 1
	AttrVirtualRouterAdminV6
	AttrVirtualRouterSrcMAC

	AttrNextHopIP
	AttrNextHopPort
	AttrNextHopDstMAC
	AttrNextHopVLAN

	AttrNextHopGroupType

	AttrGroupMemberGroupID
	AttrGroupMemberNextHopID
	AttrGroupMemberWeight

	AttrRouteVirtualRouterID
	AttrRoutePrefix
	AttrRoutePacketAction
	AttrRouteNextHopID
)

// PacketAction is the forwarding decision of a route.
type PacketAction uint32

const (
	PacketActionForward PacketAction = iota
	PacketActionDrop
)

// NextHopGroupType is the hashing flavour of a next-hop group.
type NextHopGroupType uint32

const (
	NextHopGroupTypeECMP NextHopGroupType = iota
	NextHopGroupTypeWCMP
)

// Attribute is a single typed attribute.
//
// Value holds one of: bool, uint32, OID, netip.Addr, netip.Prefix,
// net.HardwareAddr, string.
type Attribute struct {
	ID    AttrID
	Value any
}

// BoolAttr and friends construct attributes of the matching value type.
func BoolAttr(id AttrID, v bool) Attribute { return Attribute{ID: id, Value: v} }
func U32Attr(id AttrID, v uint32) Attribute { return Attribute{ID: id, Value: v} }
func OIDAttr(id AttrID, v OID) Attribute { return Attribute{ID: id, Value: v} }
func AddrAttr(id AttrID, v netip.Addr) Attribute { return Attribute{ID: id, Value: v} }
func PrefixAttr(id AttrID, v netip.Prefix) Attribute { return Attribute{ID: id, Value: v} }
func MACAttr(id AttrID, v net.HardwareAddr) Attribute { return Attribute{ID: id, Value: v} }
func StringAttr(id AttrID, v string) Attribute { return Attribute{ID: id, Value: v} }
func ActionAttr(id AttrID, v PacketAction) Attribute { return Attribute{ID: id, Value: uint32(v)} }
func GroupTypeAttr(id AttrID, v NextHopGroupType) Attribute { return Attribute{ID: id, Value: uint32(v)} }
func VLANAttr(id AttrID, v uint16) Attribute { return Attribute{ID: id, Value: uint32(v)} }

// API is the hardware abstraction layer.
type API interface {
	// Create creates an object and returns its handle.
	Create(objectType ObjectType, attrs []Attribute) (OID, error)
	// Remove removes a previously created object.
	Remove(objectType ObjectType, oid OID) error
	// SetAttribute changes a single attribute of an existing object.
	SetAttribute(objectType ObjectType, oid OID, attr Attribute) error
	// GetAttribute reads a single attribute of an existing object.
	GetAttribute(objectType ObjectType, oid OID, id AttrID) (Attribute, error)
}
