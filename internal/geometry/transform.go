package geometry

// ComposeMapToBody turns a tag detection into a body pose in the map frame.
//
//	mapToTag     pose of the tag in the map frame (landmark map)
//	sensorToTag  pose of the tag in the sensor frame (detection)
//	sensorToBody pose of the body in the sensor frame (static offset)
//
// The detection is first re-expressed in the body frame
// (bodyToTag = sensorToBody⁻¹ ∘ sensorToTag), inverted to tagToBody and
// chained onto the landmark pose.
func ComposeMapToBody(mapToTag, sensorToTag, sensorToBody Pose) Pose {
	bodyToTag := Compose(Inverse(sensorToBody), sensorToTag)
	tagToBody := Inverse(bodyToTag)
	return Compose(mapToTag, tagToBody)
}

// DecomposeSensorToTag undoes ComposeMapToBody, recovering the tag pose in
// the sensor frame from a map-frame body pose.
func DecomposeSensorToTag(mapToBody, mapToTag, sensorToBody Pose) Pose {
	tagToBody := Compose(Inverse(mapToTag), mapToBody)
	return Compose(sensorToBody, Inverse(tagToBody))
}
