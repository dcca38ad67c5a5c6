package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-bacnet/internal/bacnet"
	"github.com/nerrad567/gray-logic-bacnet/internal/multiplexer"
)

// maxIndexedObjects caps the element-by-element scan of an object list.
const maxIndexedObjects = maxObjects

// ReadObjectList scans the object catalog of a device and stores it.
//
// The length is read at array index 0, then each element in turn, which
// keeps every response within one unsegmented APDU. Devices that refuse
// indexed reads get one read of the whole array. The device object's
// name, vendor and model are refreshed on the way; failures there are
// logged and do not fail the scan.
//
// Parameters:
//   - ctx: Bounds the whole scan
//   - instance: Registered device instance
//
// Returns:
//   - []bacnet.ObjectID: The catalog, in device order
//   - error: ErrDeviceNotFound, ErrNoRequester or the request failure
func (r *Registry) ReadObjectList(ctx context.Context, instance uint32) ([]bacnet.ObjectID, error) {
	if r.requester == nil {
		return nil, ErrNoRequester
	}
	target, err := r.Target(ctx, instance)
	if err != nil {
		return nil, err
	}
	deviceObj := bacnet.NewObjectID(bacnet.ObjectDevice, instance)

	objects, err := r.readObjectListIndexed(ctx, target, deviceObj)
	if errors.Is(err, multiplexer.ErrProtocol) {
		r.logger.Debug("indexed object-list read refused, reading whole array", "device", instance, "error", err)
		objects, err = r.readObjectListWhole(ctx, target, deviceObj)
	}
	if err != nil {
		return nil, fmt.Errorf("reading object list of device %d: %w", instance, err)
	}

	name, vendor, model, descErr := r.describe(ctx, target, deviceObj)
	if descErr != nil {
		r.logger.Debug("device description unavailable", "device", instance, "error", descErr)
	}

	r.cacheMu.Lock()
	d, ok := r.cache[instance]
	if !ok {
		r.cacheMu.Unlock()
		return nil, ErrDeviceNotFound
	}
	d.Objects = objects
	if descErr == nil {
		d.Name, d.VendorName, d.ModelName = name, vendor, model
	}
	snapshot := d.DeepCopy()
	r.cacheMu.Unlock()

	if err := r.repo.Save(ctx, snapshot); err != nil {
		r.logger.Warn("failed to persist object list", "device", instance, "error", err)
	}

	r.logger.Info("object list read", "device", instance, "objects", len(objects))
	return snapshot.Objects, nil
}

func (r *Registry) readObjectListIndexed(ctx context.Context, target multiplexer.Target, deviceObj bacnet.ObjectID) ([]bacnet.ObjectID, error) {
	length, err := r.readProperty(ctx, target, deviceObj, bacnet.PropObjectList, new(uint32))
	if err != nil {
		return nil, err
	}
	n, ok := length.Uint()
	if !ok {
		return nil, fmt.Errorf("%w: object-list length is %s", multiplexer.ErrProtocol, length.Kind())
	}
	if n > maxIndexedObjects {
		return nil, fmt.Errorf("%w: object-list length %d exceeds %d", ErrInvalidDevice, n, maxIndexedObjects)
	}

	objects := make([]bacnet.ObjectID, 0, n)
	for i := uint32(1); i <= uint32(n); i++ {
		idx := i
		v, err := r.readProperty(ctx, target, deviceObj, bacnet.PropObjectList, &idx)
		if err != nil {
			return nil, err
		}
		o, ok := v.Object()
		if !ok {
			return nil, fmt.Errorf("%w: object-list[%d] is %s", multiplexer.ErrProtocol, i, v.Kind())
		}
		objects = append(objects, o)
	}
	return objects, nil
}

func (r *Registry) readObjectListWhole(ctx context.Context, target multiplexer.Target, deviceObj bacnet.ObjectID) ([]bacnet.ObjectID, error) {
	v, err := r.readProperty(ctx, target, deviceObj, bacnet.PropObjectList, nil)
	if err != nil {
		return nil, err
	}
	items := v.Items()
	if o, ok := v.Object(); ok {
		return []bacnet.ObjectID{o}, nil
	}
	objects := make([]bacnet.ObjectID, 0, len(items))
	for i, item := range items {
		o, ok := item.Object()
		if !ok {
			return nil, fmt.Errorf("%w: object-list element %d is %s", multiplexer.ErrProtocol, i, item.Kind())
		}
		objects = append(objects, o)
	}
	return objects, nil
}

// describe reads the device object's name, vendor and model in one
// ReadPropertyMultiple exchange.
func (r *Registry) describe(ctx context.Context, target multiplexer.Target, deviceObj bacnet.ObjectID) (name, vendor, model string, err error) {
	req := bacnet.ReadPropertyMultipleRequest{Specs: []bacnet.ReadAccessSpec{{
		Object: deviceObj,
		Properties: []bacnet.PropertyReference{
			{Property: bacnet.PropObjectName},
			{Property: bacnet.PropVendorName},
			{Property: bacnet.PropModelName},
		},
	}}}
	apdu, err := r.requester.Submit(ctx, target, req)
	if err != nil {
		return "", "", "", err
	}
	ack, err := bacnet.DecodeReadPropertyMultipleAck(apdu.Payload)
	if err != nil {
		return "", "", "", fmt.Errorf("%w: %w", multiplexer.ErrProtocol, err)
	}
	for _, res := range ack.Results {
		for _, pr := range res.Results {
			if pr.Err != nil {
				continue
			}
			text, _ := pr.Value.Text()
			switch pr.Property {
			case bacnet.PropObjectName:
				name = text
			case bacnet.PropVendorName:
				vendor = text
			case bacnet.PropModelName:
				model = text
			}
		}
	}
	return name, vendor, model, nil
}

func (r *Registry) readProperty(ctx context.Context, target multiplexer.Target, obj bacnet.ObjectID, prop bacnet.PropertyID, index *uint32) (bacnet.Value, error) {
	apdu, err := r.requester.Submit(ctx, target, bacnet.ReadPropertyRequest{
		Object:   obj,
		Property: prop,
		Index:    index,
	})
	if err != nil {
		return bacnet.Value{}, err
	}
	ack, err := bacnet.DecodeReadPropertyAck(apdu.Payload)
	if err != nil {
		return bacnet.Value{}, fmt.Errorf("%w: %w", multiplexer.ErrProtocol, err)
	}
	return ack.Value, nil
}
