package server

import (
	"fmt"
	"strings"
)

// ResourceType classifies a request path.
type ResourceType int

const (
	ResourceUnknown ResourceType = iota
	ResourceServiceRoot
	ResourcePrincipal
	ResourceHomeSet
	ResourceCollection
	ResourceObject
)

func (t ResourceType) String() string {
	switch t {
	case ResourceServiceRoot:
		return "service-root"
	case ResourcePrincipal:
		return "principal"
	case ResourceHomeSet:
		return "home-set"
	case ResourceCollection:
		return "collection"
	case ResourceObject:
		return "object"
	default:
		return "unknown"
	}
}

// URLConverter defines the URL path convention. Leave it nil when creating the
// handler to get DefaultURLConverter.
//
// A resource must be able to find its parent from its path: an object path
// names the folder it is requested through.
type URLConverter interface {
	// ParsePath parses a path relative to the handler prefix.
	ParsePath(path string) (Resource, error)
	// EncodePath encodes a Resource back to its absolute URL path.
	EncodePath(resource Resource) (string, error)
}

// Resource is a parsed request path.
type Resource struct {
	UserID   string
	FolderID string
	// Name is the file name of an object, "<uid>.ics" or "<id>.ics".
	Name         string
	ResourceType ResourceType
}

// DefaultURLConverter implements URLConverter with the structure
//
//	/                             service root
//	/<userid>                     principal
//	/<userid>/cal                 home set
//	/<userid>/cal/<folderid>      collection
//	/<userid>/cal/<folderid>/<name>.ics  object
//
// Prefix is prepended when encoding; ParsePath expects paths relative to it.
type DefaultURLConverter struct {
	Prefix string
}

// ParsePath parses a CalDAV path into its components.
func (c *DefaultURLConverter) ParsePath(path string) (Resource, error) {
	resource := Resource{ResourceType: ResourceUnknown}

	var segments []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			segments = append(segments, p)
		}
	}

	if len(segments) >= 2 && segments[1] != "cal" {
		return resource, fmt.Errorf("invalid path: expected '/<userid>/cal/...', got %q", path)
	}
	switch len(segments) {
	case 0:
		resource.ResourceType = ResourceServiceRoot
	case 1:
		resource.UserID = segments[0]
		resource.ResourceType = ResourcePrincipal
	case 2:
		resource.UserID = segments[0]
		resource.ResourceType = ResourceHomeSet
	case 3:
		resource.UserID = segments[0]
		resource.FolderID = segments[2]
		resource.ResourceType = ResourceCollection
	case 4:
		resource.UserID = segments[0]
		resource.FolderID = segments[2]
		resource.Name = segments[3]
		resource.ResourceType = ResourceObject
	default:
		return resource, fmt.Errorf("invalid path: too many segments (%d)", len(segments))
	}
	return resource, nil
}

// EncodePath encodes a Resource into a CalDAV path. Collections and the home
// set end with a slash.
func (c *DefaultURLConverter) EncodePath(resource Resource) (string, error) {
	var path string

	switch resource.ResourceType {
	case ResourcePrincipal:
		if resource.UserID == "" {
			return "", fmt.Errorf("invalid resource: principal must have a UserID")
		}
		path = resource.UserID + "/"

	case ResourceHomeSet:
		if resource.UserID == "" {
			return "", fmt.Errorf("invalid resource: home set must have a UserID")
		}
		path = resource.UserID + "/cal/"

	case ResourceCollection:
		if resource.UserID == "" || resource.FolderID == "" {
			return "", fmt.Errorf("invalid resource: collection must have both UserID and FolderID")
		}
		path = resource.UserID + "/cal/" + resource.FolderID + "/"

	case ResourceObject:
		if resource.UserID == "" || resource.FolderID == "" || resource.Name == "" {
			return "", fmt.Errorf("invalid resource: object must have UserID, FolderID and Name")
		}
		path = resource.UserID + "/cal/" + resource.FolderID + "/" + resource.Name

	case ResourceServiceRoot:
		path = ""

	default:
		return "", fmt.Errorf("invalid resource type: %s", resource.ResourceType)
	}

	prefix := c.Prefix
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + path, nil
}
