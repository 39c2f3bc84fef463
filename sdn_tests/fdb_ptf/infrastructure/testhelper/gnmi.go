package testhelper

import (
	"context"
	"fmt"
	"net"

	"github.com/pkg/errors"
	"google.golang.org/grpc"

	gpb "github.com/openconfig/gnmi/proto/gnmi"
)

// ConfigDBTarget is the gNMI target SONiC serves CONFIG_DB under.
const ConfigDBTarget = "CONFIG_DB"

// Function pointers that interact with the switch. They enable unit testing
// of methods that interact with the switch.
var (
	gnmiGet = func(ctx context.Context, c gpb.GNMIClient, req *gpb.GetRequest, opts ...grpc.CallOption) (*gpb.GetResponse, error) {
		return c.Get(ctx, req, opts...)
	}
)

// CreateConfigDBGetRequest creates a GetRequest for whole CONFIG_DB tables.
func CreateConfigDBGetRequest(tables ...string) *gpb.GetRequest {
	req := &gpb.GetRequest{
		Prefix:   &gpb.Path{Target: ConfigDBTarget},
		Encoding: gpb.Encoding_JSON_IETF,
	}
	for _, table := range tables {
		req.Path = append(req.Path, &gpb.Path{Elem: []*gpb.PathElem{{Name: table}}})
	}
	return req
}

// GNMIFacts reads facts from the DUT gNMI server.
type GNMIFacts struct {
	Client gpb.GNMIClient
}

func (g GNMIFacts) get(ctx context.Context, tables ...string) (*ConfigDB, error) {
	resp, err := gnmiGet(ctx, g.Client, CreateConfigDBGetRequest(tables...))
	if err != nil {
		return nil, errors.Wrapf(err, "gNMI Get of %v failed", tables)
	}
	db := &ConfigDB{}
	for _, n := range resp.GetNotification() {
		for _, u := range n.GetUpdate() {
			table, err := tableName(n.GetPrefix(), u.GetPath())
			if err != nil {
				return nil, err
			}
			val := u.GetVal()
			b := val.GetJsonIetfVal()
			if b == nil {
				b = val.GetJsonVal()
			}
			if b == nil {
				return nil, errors.Errorf("table %v has no JSON value: %v", table, val)
			}
			if err := db.setTable(table, b); err != nil {
				return nil, err
			}
		}
	}
	return db, nil
}

// tableName returns the first path element below the CONFIG_DB target.
func tableName(prefix, path *gpb.Path) (string, error) {
	var elems []*gpb.PathElem
	elems = append(elems, prefix.GetElem()...)
	elems = append(elems, path.GetElem()...)
	if len(elems) == 0 {
		return "", errors.New("update has an empty path")
	}
	return elems[0].GetName(), nil
}

// ConfigDB fetches the VLAN topology tables.
func (g GNMIFacts) ConfigDB(ctx context.Context) (*ConfigDB, error) {
	return g.get(ctx, PortTable, VLANTable, VLANMemberTable, VLANInterfaceTable)
}

// RouterMAC returns the DUT MAC from DEVICE_METADATA.
func (g GNMIFacts) RouterMAC(ctx context.Context) (net.HardwareAddr, error) {
	db, err := g.get(ctx, DeviceMetadataTable)
	if err != nil {
		return nil, err
	}
	raw, ok := db.DeviceMetadata["localhost"]["mac"]
	if !ok {
		return nil, errors.New("DEVICE_METADATA|localhost has no mac")
	}
	mac, err := net.ParseMAC(fmt.Sprint(raw))
	if err != nil {
		return nil, errors.Wrapf(err, "malformed DUT MAC %v", raw)
	}
	return mac, nil
}
