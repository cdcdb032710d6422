// Package vrf manages virtual routers.
package vrf

import (
	"bytes"
	"fmt"
	"net"
	"strconv"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/yanet-platform/orchagent/internal/consumer"
	"github.com/yanet-platform/orchagent/internal/hal"
	"github.com/yanet-platform/orchagent/internal/orch"
	"github.com/yanet-platform/orchagent/internal/registry"
	"github.com/yanet-platform/orchagent/internal/request"
)

// Table is the source table of virtual routers.
const Table = "VRF_TABLE"

// Default is the virtual router that always exists.
const Default = "default"

const (
	attrV4     = "v4"
	attrV6     = "v6"
	attrSrcMAC = "src_mac"
)

// Schema is the shape of VRF_TABLE entries.
var Schema = &request.Schema{
	Table:    Table,
	KeyTypes: []request.ValueType{request.TypeString},
	Attrs: map[string]request.ValueType{
		attrV4:     request.TypeBool,
		attrV6:     request.TypeBool,
		attrSrcMAC: request.TypeMAC,
	},
}

// VRF is a virtual router.
type VRF struct {
	Name   string
	V4     bool
	V6     bool
	SrcMAC net.HardwareAddr
	OID    hal.OID
}

// Manager is the virtual router manager.
type Manager struct {
	hal      hal.API
	registry *registry.Registry
	vrfs     map[string]*VRF
	log      *zap.SugaredLogger
}

// NewManager constructs a new manager and creates the default virtual
// router.
func NewManager(api hal.API, reg *registry.Registry, log *zap.SugaredLogger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	m := &Manager{
		hal:      api,
		registry: reg,
		vrfs:     map[string]*VRF{},
		log:      log,
	}

	if err := m.create(&VRF{Name: Default, V4: true, V6: true}); err != nil {
		return nil, fmt.Errorf("failed to create default virtual router: %w", err)
	}
	return m, nil
}

// VRF returns a copy of the virtual router.
func (m *Manager) VRF(name string) (VRF, bool) {
	vrf, ok := m.vrfs[name]
	if !ok {
		return VRF{}, false
	}
	return *vrf, true
}

// State implements orch.StateReporter.
func (m *Manager) State(key string) []consumer.FieldValue {
	vrf, ok := m.vrfs[key]
	if !ok {
		return nil
	}

	fields := []consumer.FieldValue{
		{Field: attrV4, Value: strconv.FormatBool(vrf.V4)},
		{Field: attrV6, Value: strconv.FormatBool(vrf.V6)},
	}
	if vrf.SrcMAC != nil {
		fields = append(fields, consumer.FieldValue{Field: attrSrcMAC, Value: vrf.SrcMAC.String()})
	}
	return fields
}

func decode(req *request.Request) (*VRF, error) {
	vrf := &VRF{Name: req.Key(), V4: true, V6: true}

	var err error
	if req.Has(attrV4) {
		if vrf.V4, err = req.Bool(attrV4); err != nil {
			return nil, err
		}
	}
	if req.Has(attrV6) {
		if vrf.V6, err = req.Bool(attrV6); err != nil {
			return nil, err
		}
	}
	if req.Has(attrSrcMAC) {
		if vrf.SrcMAC, err = req.MAC(attrSrcMAC); err != nil {
			return nil, err
		}
	}
	return vrf, nil
}

// ProcessAdd creates or updates a virtual router.
func (m *Manager) ProcessAdd(req *request.Request) orch.Result {
	vrf, err := decode(req)
	if err != nil {
		return orch.Drop(err)
	}

	prev, ok := m.vrfs[vrf.Name]
	if !ok {
		if err := m.create(vrf); err != nil {
			return orch.Drop(err)
		}
		return orch.Apply()
	}

	var attrs []hal.Attribute
	if prev.V4 != vrf.V4 {
		attrs = append(attrs, hal.BoolAttr(hal.AttrVirtualRouterAdminV4, vrf.V4))
	}
	if prev.V6 != vrf.V6 {
		attrs = append(attrs, hal.BoolAttr(hal.AttrVirtualRouterAdminV6, vrf.V6))
	}
	if vrf.SrcMAC != nil && !bytes.Equal(prev.SrcMAC, vrf.SrcMAC) {
		attrs = append(attrs, hal.MACAttr(hal.AttrVirtualRouterSrcMAC, vrf.SrcMAC))
	}
	for _, attr := range attrs {
		if err := m.hal.SetAttribute(hal.ObjectTypeVirtualRouter, prev.OID, attr); err != nil {
			return orch.Drop(fmt.Errorf("failed to update virtual router %q: %w", vrf.Name, err))
		}
	}

	prev.V4 = vrf.V4
	prev.V6 = vrf.V6
	if vrf.SrcMAC != nil {
		prev.SrcMAC = vrf.SrcMAC
	}
	if len(attrs) > 0 {
		m.log.Infow("updated virtual router", zap.String("vrf", vrf.Name), zap.Int("attrs", len(attrs)))
	}
	return orch.Apply()
}

func (m *Manager) create(vrf *VRF) error {
	attrs := []hal.Attribute{
		hal.BoolAttr(hal.AttrVirtualRouterAdminV4, vrf.V4),
		hal.BoolAttr(hal.AttrVirtualRouterAdminV6, vrf.V6),
	}
	if vrf.SrcMAC != nil {
		attrs = append(attrs, hal.MACAttr(hal.AttrVirtualRouterSrcMAC, vrf.SrcMAC))
	}

	oid, err := m.hal.Create(hal.ObjectTypeVirtualRouter, attrs)
	if err != nil {
		return fmt.Errorf("failed to create virtual router %q: %w", vrf.Name, err)
	}
	if err := m.registry.SetOID(registry.CategoryVRF, vrf.Name, oid); err != nil {
		if rmErr := m.hal.Remove(hal.ObjectTypeVirtualRouter, oid); rmErr != nil {
			m.log.Errorw("failed to remove orphaned virtual router", zap.Stringer("oid", oid), zap.Error(rmErr))
		}
		return orch.Errorf(codes.Internal, "virtual router %q: %v", vrf.Name, err)
	}

	vrf.OID = oid
	m.vrfs[vrf.Name] = vrf

	m.log.Infow("created virtual router", zap.String("vrf", vrf.Name), zap.Stringer("oid", oid))
	return nil
}

// ProcessDelete removes a virtual router once no route references it.
func (m *Manager) ProcessDelete(req *request.Request) orch.Result {
	name := req.Key()
	if name == Default {
		return orch.InvalidArgument("virtual router %q cannot be removed", name)
	}

	vrf, ok := m.vrfs[name]
	if !ok {
		return orch.Drop(orch.Errorf(codes.NotFound, "virtual router %q does not exist", name))
	}

	refs, err := m.registry.GetRefCount(registry.CategoryVRF, name)
	if err != nil {
		return orch.Drop(orch.Errorf(codes.Internal, "virtual router %q: %v", name, err))
	}
	if refs > 0 {
		return orch.InUse("virtual router %q is referenced by %d routes", name, refs)
	}

	if err := m.hal.Remove(hal.ObjectTypeVirtualRouter, vrf.OID); err != nil {
		return orch.Drop(fmt.Errorf("failed to remove virtual router %q: %w", name, err))
	}
	if err := m.registry.EraseOID(registry.CategoryVRF, name); err != nil {
		return orch.Drop(orch.Errorf(codes.Internal, "virtual router %q: %v", name, err))
	}
	delete(m.vrfs, name)

	m.log.Infow("removed virtual router", zap.String("vrf", name), zap.Stringer("oid", vrf.OID))
	return orch.Apply()
}
