package simhal

import (
	"github.com/yanet-platform/orchagent/internal/hal"
)

type valueKind uint8

const (
	kindBool valueKind = iota
	kindU32
	kindAddr
	kindPrefix
	kindMAC
	kindString
	kindWeight
	kindRef
)

var attrTypes = map[hal.ObjectType]map[hal.AttrID]valueKind{
	hal.ObjectTypeVirtualRouter: {
		hal.AttrVirtualRouterAdminV4: kindBool,
		hal.AttrVirtualRouterAdminV6: kindBool,
		hal.AttrVirtualRouterSrcMAC:  kindMAC,
	},
	hal.ObjectTypeNextHop: {
		hal.AttrNextHopIP:     kindAddr,
		hal.AttrNextHopPort:   kindString,
		hal.AttrNextHopDstMAC: kindMAC,
		hal.AttrNextHopVLAN:   kindU32,
	},
	hal.ObjectTypeNextHopGroup: {
		hal.AttrNextHopGroupType: kindU32,
	},
	hal.ObjectTypeNextHopGroupMember: {
		hal.AttrGroupMemberGroupID:   kindRef,
		hal.AttrGroupMemberNextHopID: kindRef,
		hal.AttrGroupMemberWeight:    kindWeight,
	},
	hal.ObjectTypeRoute: {
		hal.AttrRouteVirtualRouterID: kindRef,
		hal.AttrRoutePrefix:          kindPrefix,
		hal.AttrRoutePacketAction:    kindU32,
		hal.AttrRouteNextHopID:       kindRef,
	},
}

var mandatoryAttrs = map[hal.ObjectType][]hal.AttrID{
	hal.ObjectTypeNextHop:            {hal.AttrNextHopIP, hal.AttrNextHopPort},
	hal.ObjectTypeNextHopGroupMember: {hal.AttrGroupMemberGroupID, hal.AttrGroupMemberNextHopID, hal.AttrGroupMemberWeight},
	hal.ObjectTypeRoute:              {hal.AttrRouteVirtualRouterID, hal.AttrRoutePrefix, hal.AttrRoutePacketAction},
}

var mutableAttrs = map[hal.ObjectType][]hal.AttrID{
	hal.ObjectTypeVirtualRouter:      {hal.AttrVirtualRouterAdminV4, hal.AttrVirtualRouterAdminV6, hal.AttrVirtualRouterSrcMAC},
	hal.ObjectTypeNextHop:            {hal.AttrNextHopDstMAC, hal.AttrNextHopVLAN},
	hal.ObjectTypeNextHopGroupMember: {hal.AttrGroupMemberWeight},
	hal.ObjectTypeRoute:              {hal.AttrRoutePacketAction, hal.AttrRouteNextHopID},
}

var refTargets = map[hal.AttrID][]hal.ObjectType{
	hal.AttrGroupMemberGroupID:   {hal.ObjectTypeNextHopGroup},
	hal.AttrGroupMemberNextHopID: {hal.ObjectTypeNextHop},
	hal.AttrRouteVirtualRouterID: {hal.ObjectTypeVirtualRouter},
	hal.AttrRouteNextHopID:       {hal.ObjectTypeNextHop, hal.ObjectTypeNextHopGroup},
}

// A dropping route carries no next hop.
var nullableRefs = map[hal.AttrID]bool{
	hal.AttrRouteNextHopID: true,
}

type reference struct {
	objectType hal.ObjectType
	attr       hal.AttrID
}

var referencedBy = map[hal.ObjectType][]reference{
	hal.ObjectTypeVirtualRouter: {
		{hal.ObjectTypeRoute, hal.AttrRouteVirtualRouterID},
	},
	hal.ObjectTypeNextHop: {
		{hal.ObjectTypeNextHopGroupMember, hal.AttrGroupMemberNextHopID},
		{hal.ObjectTypeRoute, hal.AttrRouteNextHopID},
	},
	hal.ObjectTypeNextHopGroup: {
		{hal.ObjectTypeNextHopGroupMember, hal.AttrGroupMemberGroupID},
		{hal.ObjectTypeRoute, hal.AttrRouteNextHopID},
	},
}
