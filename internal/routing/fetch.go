package routing

import (
	"fmt"

	"github.com/jroosing/hydrabolt/internal/boltconn"
	"github.com/jroosing/hydrabolt/internal/drivererrors"
	"github.com/jroosing/hydrabolt/internal/packstream"
)

// rawRoutingReply is the role/server/ttl payload shape shared by both
// the ROUTE message (v4.3+) and the legacy getRoutingTable procedures
// (§4.2, §4.4): a ttl, an optional resolved database name, and a list
// of {addresses, role} server groups.
type rawRoutingReply struct {
	ttlSeconds int64
	database   string
	servers    []serverGroup
}

type serverGroup struct {
	role      string
	addresses []string
}

// fetchRoutingTable acquires nothing itself: it drives an already
// acquired connection to a router through the dialect-appropriate
// RouteStyle (§4.2 dialect table) and parses the reply into a Table.
func fetchRoutingTable(conn *boltconn.Connection, routingContext map[string]string, bookmarks []string, database, impUser string) (*Table, error) {
	dialect := conn.Dialect()
	var raw *rawRoutingReply
	var err error

	switch dialect.RouteStyle {
	case boltconn.RouteStyleMessageNoImpersonation, boltconn.RouteStyleMessageWithImpersonation:
		raw, err = fetchViaRouteMessage(conn, routingContext, bookmarks, database, impUser)
	case boltconn.RouteStyleSystemDBProc:
		raw, err = fetchViaProcedure(conn, "CALL dbms.routing.getRoutingTable($context, $database)", routingContext, database, "system")
	default: // RouteStyleLegacyClusterProc
		raw, err = fetchViaProcedure(conn, "CALL dbms.cluster.routing.getRoutingTable($context)", routingContext, "", "")
	}
	if err != nil {
		return nil, err
	}
	if raw.database == "" {
		raw.database = database
	}
	return rawToTable(raw), nil
}

func fetchViaRouteMessage(conn *boltconn.Connection, routingContext map[string]string, bookmarks []string, database, impUser string) (*rawRoutingReply, error) {
	var reply *rawRoutingReply
	var routeErr error
	handler := boltconn.NewRoutingResponseHandler()
	handler.OnSuccess = func(metadata packstream.Map) {
		rt, ok := metadata["rt"].(packstream.Map)
		if !ok {
			routeErr = &drivererrors.ProtocolError{Reason: "ROUTE success had no rt metadata"}
			return
		}
		reply = parseRawReply(rt)
	}
	handler.OnFailure = func(metadata packstream.Map) {
		routeErr = serverErrorFromRouting(metadata)
	}
	if err := conn.Route(routingContext, bookmarks, database, impUser, handler); err != nil {
		return nil, err
	}
	if err := conn.FetchAll(handler); err != nil {
		return nil, err
	}
	if routeErr != nil {
		return nil, routeErr
	}
	return reply, nil
}

func fetchViaProcedure(conn *boltconn.Connection, query string, routingContext map[string]string, database, runOnDB string) (*rawRoutingReply, error) {
	ctx := make(packstream.Map, len(routingContext))
	for k, v := range routingContext {
		ctx[k] = v
	}
	params := packstream.Map{"context": ctx}
	if database != "" {
		params["database"] = database
	}

	var reply *rawRoutingReply
	var procErr error
	var fields []string
	runHandler := boltconn.NewRoutingResponseHandler()
	runHandler.OnSuccess = func(metadata packstream.Map) {
		if keys, ok := metadata["fields"].([]any); ok {
			for _, k := range keys {
				if s, ok := k.(string); ok {
					fields = append(fields, s)
				}
			}
		}
	}
	runHandler.OnFailure = func(metadata packstream.Map) { procErr = serverErrorFromRouting(metadata) }
	extras := boltconn.RunExtras{Database: runOnDB}
	if err := conn.Run(query, params, extras, runHandler); err != nil {
		return nil, err
	}
	pullHandler := boltconn.NewRoutingResponseHandler()
	pullHandler.OnRecords = func(values []any) {
		reply = parseProcedureRecord(fields, values)
	}
	pullHandler.OnFailure = func(metadata packstream.Map) { procErr = serverErrorFromRouting(metadata) }
	if err := conn.Pull(-1, -1, pullHandler); err != nil {
		return nil, err
	}
	if err := conn.Flush(); err != nil {
		return nil, err
	}
	if err := conn.FetchAll(runHandler); err != nil {
		return nil, err
	}
	if err := conn.FetchAll(pullHandler); err != nil {
		return nil, err
	}
	if procErr != nil {
		return nil, procErr
	}
	if reply == nil {
		return nil, &drivererrors.ProtocolError{Reason: "getRoutingTable procedure returned no record"}
	}
	return reply, nil
}

func parseProcedureRecord(fields []string, values []any) *rawRoutingReply {
	reply := &rawRoutingReply{}
	for i, name := range fields {
		if i >= len(values) {
			break
		}
		switch name {
		case "ttl":
			if n, ok := values[i].(int64); ok {
				reply.ttlSeconds = n
			}
		case "servers":
			if list, ok := values[i].([]any); ok {
				reply.servers = parseServerList(list)
			}
		}
	}
	return reply
}

func parseRawReply(rt packstream.Map) *rawRoutingReply {
	reply := &rawRoutingReply{}
	if n, ok := rt["ttl"].(int64); ok {
		reply.ttlSeconds = n
	}
	if db, ok := rt["db"].(string); ok {
		reply.database = db
	}
	if list, ok := rt["servers"].([]any); ok {
		reply.servers = parseServerList(list)
	}
	return reply
}

func parseServerList(list []any) []serverGroup {
	groups := make([]serverGroup, 0, len(list))
	for _, item := range list {
		m, ok := item.(packstream.Map)
		if !ok {
			continue
		}
		g := serverGroup{}
		if role, ok := m["role"].(string); ok {
			g.role = role
		}
		if addrs, ok := m["addresses"].([]any); ok {
			for _, a := range addrs {
				if s, ok := a.(string); ok {
					g.addresses = append(g.addresses, s)
				}
			}
		}
		groups = append(groups, g)
	}
	return groups
}

func serverErrorFromRouting(metadata packstream.Map) error {
	code, _ := metadata["code"].(string)
	message, _ := metadata["message"].(string)
	return fmt.Errorf("routing: getRoutingTable failed (%s): %s", code, message)
}
